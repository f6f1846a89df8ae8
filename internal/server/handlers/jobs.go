package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gostratus/internal/errors"
	"github.com/3leaps/gostratus/pkg/manifest"
	"github.com/3leaps/gostratus/pkg/uws"
)

// maxBodyBytes bounds request bodies on the jobs API. Job parameters are
// small control-plane values; bulk data belongs in results.
const maxBodyBytes = 1 << 20

// JobsAPI serves the job lifecycle routes under /api/v1/jobs.
//
// Handlers translate wire requests into engine calls and engine sentinels
// into error envelopes. All state lives in the engine's store; the API
// itself is stateless.
type JobsAPI struct {
	engine   *uws.Engine
	registry *manifest.Registry
	log      *zap.Logger
	readOnly bool
}

// NewJobsAPI builds the jobs API over an engine and its service registry.
// In readOnly mode every mutating route is rejected with READONLY_MODE.
func NewJobsAPI(engine *uws.Engine, registry *manifest.Registry, log *zap.Logger, readOnly bool) *JobsAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobsAPI{engine: engine, registry: registry, log: log, readOnly: readOnly}
}

// Routes returns the jobs router, ready to mount.
func (a *JobsAPI) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", a.createJob)
	r.Get("/", a.listJobs)

	r.Route("/{jobID}", func(r chi.Router) {
		r.Get("/", a.getJob)
		r.Delete("/", a.deleteJob)

		r.Get("/phase", a.getPhase)
		r.Post("/phase", a.postPhase)

		r.Get("/parameters", a.getParameters)
		r.Post("/parameters", a.postParameters)
		r.Get("/parameters/{name}", a.getParameter)
		r.Put("/parameters/{name}", a.putParameter)

		r.Get("/quote", a.getQuote)
		r.Get("/executionduration", a.getExecutionDuration)
		r.Get("/destruction", a.getDestruction)
		r.Get("/owner", a.getOwner)
		r.Get("/runid", a.getRunID)

		r.Get("/results", a.listResults)
		r.Get("/results/*", a.getResultFile)

		r.Get("/error", a.getError)
	})

	return r
}

// jobDocument is the wire representation of a job. Durations are integer
// seconds; times are RFC 3339 UTC.
type jobDocument struct {
	JobID             string         `json:"jobId"`
	Service           string         `json:"service"`
	Phase             string         `json:"phase"`
	Owner             string         `json:"owner,omitempty"`
	RunID             string         `json:"runId,omitempty"`
	Quote             *time.Time     `json:"quote,omitempty"`
	ExecutionDuration int64          `json:"executionDuration"`
	DestructionTime   time.Time      `json:"destructionTime"`
	StartTime         *time.Time     `json:"startTime,omitempty"`
	EndTime           *time.Time     `json:"endTime,omitempty"`
	PID               int            `json:"pid,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	CreationTime      time.Time      `json:"creationTime"`
}

type jobListResponse struct {
	Jobs  []jobDocument `json:"jobs"`
	Count int           `json:"count"`
}

type createJobRequest struct {
	Service string `json:"service"`
	Owner   string `json:"owner,omitempty"`
	RunID   string `json:"runId,omitempty"`

	// Parameters maps names to text values; the service codec types them.
	Parameters map[string]string `json:"parameters,omitempty"`

	// ExecutionDuration is in seconds. Zero takes the service default.
	ExecutionDuration int64 `json:"executionDuration,omitempty"`

	// DestructionTime overrides the service lifetime when set.
	DestructionTime *time.Time `json:"destructionTime,omitempty"`
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

type resultEntry struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Href     string `json:"href"`
}

type resultListResponse struct {
	Results []resultEntry `json:"results"`
	Count   int           `json:"count"`
}

type errorDocument struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
}

func (a *JobsAPI) createJob(w http.ResponseWriter, r *http.Request) {
	if a.rejectReadOnly(w, r) {
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "decode request body: %v", err))
		return
	}

	svc := strings.TrimSpace(req.Service)
	if svc == "" {
		respondWithError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "service is required"))
		return
	}
	m, ok := a.registry.Get(svc)
	if !ok {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "unknown service %q", svc))
		return
	}
	codec := a.codecFor(svc)

	encoded, err := codec.EncodeAll(req.Parameters)
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}
	for name, text := range m.Service.ParameterDefaults() {
		if _, set := encoded[name]; set {
			continue
		}
		wire, err := codec.Encode(name, text)
		if err != nil {
			a.respondEngine(w, r, err)
			return
		}
		if encoded == nil {
			encoded = make(map[string]string)
		}
		encoded[name] = wire
	}

	opts := uws.CreateOptions{
		Owner:             strings.TrimSpace(req.Owner),
		RunID:             strings.TrimSpace(req.RunID),
		Parameters:        encoded,
		ExecutionDuration: m.Service.EffectiveDuration(time.Duration(req.ExecutionDuration) * time.Second),
	}
	if req.DestructionTime != nil {
		opts.DestructionTime = req.DestructionTime.UTC()
	} else {
		opts.DestructionTime = time.Now().UTC().Add(m.Service.EffectiveLifetime())
	}

	id, err := a.engine.CreateJob(r.Context(), svc, opts)
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}
	a.log.Info("Job created",
		zap.String("job_id", id),
		zap.String("service", svc))

	job, err := a.engine.Store().Get(r.Context(), id)
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}

	w.Header().Set("Location", path.Join(r.URL.Path, id))
	writeJSON(w, http.StatusCreated, a.document(job))
}

func (a *JobsAPI) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f uws.Filter

	if s := q.Get("phase"); s != "" {
		phase, err := uws.ParsePhase(s)
		if err != nil {
			respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid phase filter: %v", err))
			return
		}
		f.Phase = phase
	}
	f.Service = q.Get("service")
	f.Owner = q.Get("owner")

	var err error
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid limit: %v", err))
		return
	}
	if f.Offset, err = queryInt(q.Get("offset")); err != nil {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid offset: %v", err))
		return
	}

	jobs, err := a.engine.Store().List(r.Context(), f)
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}

	docs := make([]jobDocument, 0, len(jobs))
	for i := range jobs {
		docs = append(docs, a.document(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: docs, Count: len(docs)})
}

func (a *JobsAPI) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.document(job))
}

func (a *JobsAPI) deleteJob(w http.ResponseWriter, r *http.Request) {
	if a.rejectReadOnly(w, r) {
		return
	}
	jobID := chi.URLParam(r, "jobID")

	if err := a.engine.Destroy(r.Context(), jobID); err != nil {
		a.respondEngine(w, r, err)
		return
	}
	a.log.Info("Job destroyed", zap.String("job_id", jobID))
	w.WriteHeader(http.StatusNoContent)
}

func (a *JobsAPI) getPhase(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeText(w, job.Phase.String())
}

func (a *JobsAPI) postPhase(w http.ResponseWriter, r *http.Request) {
	if a.rejectReadOnly(w, r) {
		return
	}
	jobID := chi.URLParam(r, "jobID")

	var req phaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "decode request body: %v", err))
		return
	}

	switch strings.ToUpper(strings.TrimSpace(req.Phase)) {
	case "RUN":
		if !a.checkRequired(w, r, jobID) {
			return
		}
		if err := a.engine.Run(r.Context(), jobID); err != nil {
			a.respondEngine(w, r, err)
			return
		}
	case "ABORT":
		if err := a.engine.Abort(r.Context(), jobID); err != nil {
			a.respondEngine(w, r, err)
			return
		}
	default:
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument,
			`phase must be "RUN" or "ABORT", got %q`, req.Phase))
		return
	}

	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.document(job))
}

// checkRequired rejects RUN while declared required parameters are unset.
func (a *JobsAPI) checkRequired(w http.ResponseWriter, r *http.Request, jobID string) bool {
	job, err := a.engine.Store().Get(r.Context(), jobID)
	if err != nil {
		a.respondEngine(w, r, err)
		return false
	}
	m, ok := a.registry.Get(job.Service)
	if !ok {
		return true
	}
	if missing := m.Service.MissingRequired(job.Parameters); len(missing) > 0 {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument,
			"required parameters not set: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing}))
		return false
	}
	return true
}

func (a *JobsAPI) getParameters(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.decodeParameters(job))
}

func (a *JobsAPI) postParameters(w http.ResponseWriter, r *http.Request) {
	if a.rejectReadOnly(w, r) {
		return
	}

	var values map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&values); err != nil {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "decode request body: %v", err))
		return
	}
	if len(values) == 0 {
		respondWithError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "no parameters in request body"))
		return
	}
	a.setParameters(w, r, values)
}

func (a *JobsAPI) getParameter(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	name := strings.ToLower(chi.URLParam(r, "name"))
	wire, set := job.Parameters[name]
	if !set {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeNotFound, "parameter %q is not set", name))
		return
	}
	writeText(w, a.codecFor(job.Service).DecodeText(wire))
}

// putParameter sets a single parameter from a plain-text body.
func (a *JobsAPI) putParameter(w http.ResponseWriter, r *http.Request) {
	if a.rejectReadOnly(w, r) {
		return
	}
	name := strings.ToLower(chi.URLParam(r, "name"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeInvalidArgument, "read request body: %v", err))
		return
	}
	a.setParameters(w, r, map[string]string{name: string(body)})
}

// setParameters encodes and stores values on a PENDING job under its claim.
// Any other phase is a conflict: parameters freeze at RUN.
func (a *JobsAPI) setParameters(w http.ResponseWriter, r *http.Request, values map[string]string) {
	jobID := chi.URLParam(r, "jobID")

	h, err := a.engine.Store().Acquire(r.Context(), jobID, a.engine.LockTimeout())
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}
	defer func() { _ = h.Release(r.Context()) }()

	job := h.Job()
	if job.Phase != uws.PhasePending {
		respondWithError(w, r, apperrors.Newf(apperrors.CodeConflict,
			"parameters are mutable only in PENDING phase, job is %s", job.Phase).
			WithDetails(map[string]any{"phase": job.Phase.String()}))
		return
	}

	codec := a.codecFor(job.Service)
	encoded := make(map[string]string, len(values))
	for name, text := range values {
		wire, err := codec.Encode(name, text)
		if err != nil {
			a.respondEngine(w, r, err)
			return
		}
		encoded[strings.ToLower(name)] = wire
	}

	if err := h.Update(r.Context(), func(j *uws.Job) {
		if j.Parameters == nil {
			j.Parameters = make(map[string]string, len(encoded))
		}
		for name, wire := range encoded {
			j.Parameters[name] = wire
		}
	}); err != nil {
		a.respondEngine(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, a.decodeParameters(h.Job()))
}

func (a *JobsAPI) getQuote(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	if job.Quote == nil {
		writeText(w, "")
		return
	}
	writeText(w, job.Quote.UTC().Format(time.RFC3339))
}

func (a *JobsAPI) getExecutionDuration(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeText(w, strconv.FormatInt(int64(job.ExecutionDuration/time.Second), 10))
}

func (a *JobsAPI) getDestruction(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeText(w, job.DestructionTime.UTC().Format(time.RFC3339))
}

func (a *JobsAPI) getOwner(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeText(w, job.Owner)
}

func (a *JobsAPI) getRunID(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeText(w, job.RunID)
}

func (a *JobsAPI) listResults(w http.ResponseWriter, r *http.Request) {
	job, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	recs, err := a.engine.Store().Results(r.Context(), job.ID)
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}

	entries := make([]resultEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, resultEntry{
			Name:     rec.Name,
			MimeType: rec.MimeType,
			Href:     path.Join(r.URL.Path, rec.Name),
		})
	}
	writeJSON(w, http.StatusOK, resultListResponse{Results: entries, Count: len(entries)})
}

// getResultFile streams a registered artifact with its recorded MIME type.
func (a *JobsAPI) getResultFile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	name := chi.URLParam(r, "*")

	rec, err := a.engine.Store().GetResult(r.Context(), jobID, name)
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}
	p, err := a.engine.Store().ResultPath(r.Context(), jobID, rec.Name)
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			respondWithError(w, r, apperrors.Newf(apperrors.CodeNotFound,
				"result %q has no file in the working directory", rec.Name))
			return
		}
		a.respondEngine(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}

	w.Header().Set("Content-Type", rec.MimeType)
	http.ServeContent(w, r, path.Base(rec.Name), st.ModTime(), f)
}

// getError returns the one-shot error payload. The first read succeeds and
// marks it consumed; later reads are 410.
func (a *JobsAPI) getError(w http.ResponseWriter, r *http.Request) {
	payload, err := a.engine.Store().ConsumeError(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.respondEngine(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, errorDocument{
		Message: payload.Message,
		Kind:    string(payload.Kind),
		Detail:  payload.Detail,
	})
}

// snapshot loads the job named in the URL, writing the error envelope when
// it cannot.
func (a *JobsAPI) snapshot(w http.ResponseWriter, r *http.Request) (*uws.Job, bool) {
	job, err := a.engine.Store().Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.respondEngine(w, r, err)
		return nil, false
	}
	return job, true
}

// document renders a job for the wire, decoding parameters through the
// service codec.
func (a *JobsAPI) document(job *uws.Job) jobDocument {
	return jobDocument{
		JobID:             job.ID,
		Service:           job.Service,
		Phase:             job.Phase.String(),
		Owner:             job.Owner,
		RunID:             job.RunID,
		Quote:             job.Quote,
		ExecutionDuration: int64(job.ExecutionDuration / time.Second),
		DestructionTime:   job.DestructionTime,
		StartTime:         job.StartTime,
		EndTime:           job.EndTime,
		PID:               job.PID,
		Parameters:        a.decodeParameters(job),
		CreationTime:      job.Created,
	}
}

// decodeParameters types each stored value through the service codec,
// falling back to the raw text when a value does not decode.
func (a *JobsAPI) decodeParameters(job *uws.Job) map[string]any {
	if len(job.Parameters) == 0 {
		return nil
	}
	codec := a.codecFor(job.Service)
	params := make(map[string]any, len(job.Parameters))
	for name, wire := range job.Parameters {
		v, err := codec.Decode(name, wire)
		if err != nil {
			v = codec.DecodeText(wire)
		}
		params[name] = v
	}
	return params
}

// codecFor returns the service codec, or an all-opaque codec for services
// whose manifest is gone.
func (a *JobsAPI) codecFor(service string) *uws.Codec {
	if a.registry != nil {
		if c, ok := a.registry.Codec(service); ok {
			return c
		}
	}
	c, _ := uws.NewCodec(nil)
	return c
}

// rejectReadOnly writes the READONLY_MODE envelope when mutations are off.
func (a *JobsAPI) rejectReadOnly(w http.ResponseWriter, r *http.Request) bool {
	if !a.readOnly {
		return false
	}
	respondWithError(w, r, apperrors.New(apperrors.CodeReadOnly, "server is in read-only mode"))
	return true
}

// respondEngine maps an engine failure onto the error envelope, logging the
// ones that surface as 500s.
func (a *JobsAPI) respondEngine(w http.ResponseWriter, r *http.Request, err error) {
	coded := engineError(err)
	if coded.Code == apperrors.CodeInternal {
		a.log.Error("Jobs API internal error",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	respondWithError(w, r, coded)
}

// engineError converts engine sentinels into coded service errors.
func engineError(err error) *apperrors.Error {
	code := apperrors.CodeInternal
	switch {
	case errors.Is(err, uws.ErrErrorConsumed):
		code = apperrors.CodeGone
	case errors.Is(err, uws.ErrNoErrorPayload):
		code = apperrors.CodeNotFound
	case uws.IsNotFound(err):
		code = apperrors.CodeNotFound
	case uws.IsLocked(err):
		code = apperrors.CodeLocked
	case uws.IsIllegalTransition(err):
		code = apperrors.CodeConflict
	case errors.Is(err, uws.ErrParameterInvalid), errors.Is(err, uws.ErrResultInvalid):
		code = apperrors.CodeInvalidArgument
	case uws.IsReadOnly(err):
		code = apperrors.CodeReadOnly
	}
	return apperrors.Wrap(code, err, err.Error())
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func writeText(w http.ResponseWriter, value string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, value)
}
