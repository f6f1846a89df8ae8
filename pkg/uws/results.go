package uws

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultResultMimeType is recorded when no type can be derived from the
// artifact's file extension.
const DefaultResultMimeType = "application/octet-stream"

// isReservedArtifact reports whether a working-directory entry belongs to
// the runtime rather than the job's output.
func isReservedArtifact(base string) bool {
	if strings.HasPrefix(base, ".") {
		return true
	}
	return base == WorkerLogName || base == ErrorMarkerName
}

// validateResultName rejects names that would escape the working directory
// or collide with runtime artifacts. Names are slash-separated relative
// paths; subdirectories are allowed.
func validateResultName(name string) error {
	if name == "" {
		return fmt.Errorf("result name is empty")
	}
	clean := path.Clean(filepath.ToSlash(name))
	if clean != name || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid result name %q", name)
	}
	if isReservedArtifact(path.Base(clean)) {
		return fmt.Errorf("result name %q is reserved", name)
	}
	return nil
}

// resultMimeType derives a MIME type from the artifact name's extension.
func resultMimeType(name string) string {
	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		return mt
	}
	return DefaultResultMimeType
}

// ResultWriter streams one artifact into a job's working directory. The
// record becomes visible to readers only after Close succeeds; an
// Abort discards the partial file instead.
type ResultWriter struct {
	store *Store
	rec   ResultRecord
	file  *os.File
	done  bool
}

// OpenResult creates the named artifact file under the job's working
// directory and returns a writer that registers the result on Close.
// An empty mimeType is derived from the name's extension.
func (s *Store) OpenResult(ctx context.Context, jobID, name, mimeType string) (*ResultWriter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.readOnly {
		return nil, &JobError{Op: "OpenResult", JobID: jobID, Err: ErrReadOnly}
	}
	if err := validateResultName(name); err != nil {
		return nil, &JobError{Op: "OpenResult", JobID: jobID, Err: fmt.Errorf("%w: %v", ErrResultInvalid, err)}
	}
	if _, err := s.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = resultMimeType(name)
	}

	dest := filepath.Join(s.WorkDir(jobID), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create result directory: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create result file: %w", err)
	}

	return &ResultWriter{
		store: s,
		rec:   ResultRecord{JobID: jobID, Name: name, MimeType: mimeType},
		file:  f,
	}, nil
}

// Write appends bytes to the artifact file.
func (w *ResultWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("result writer already closed")
	}
	return w.file.Write(p)
}

// Name returns the artifact name the writer was opened with.
func (w *ResultWriter) Name() string {
	return w.rec.Name
}

// Close flushes the file and registers the result record. Registration
// failures leave the file on disk but unrecorded; a later scan can pick
// it up.
func (w *ResultWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close result file: %w", err)
	}
	return w.store.AddResult(context.Background(), w.rec)
}

// Abort closes and removes the partial file without registering it.
func (w *ResultWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.file.Close()
	dest := filepath.Join(w.store.WorkDir(w.rec.JobID), filepath.FromSlash(w.rec.Name))
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial result: %w", err)
	}
	return nil
}

// ResultPath returns the filesystem path of a registered artifact.
func (s *Store) ResultPath(ctx context.Context, jobID, name string) (string, error) {
	rec, err := s.GetResult(ctx, jobID, name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.WorkDir(jobID), filepath.FromSlash(rec.Name)), nil
}

// ScanResults walks a job's working directory and registers every regular
// file matching the include patterns as a result. An empty include list
// matches everything; exclude patterns trim the selection. Runtime
// artifacts and dotfiles are skipped, as are names already registered.
//
// Pattern matching uses doublestar semantics against slash-separated
// paths relative to the working directory.
func (s *Store) ScanResults(ctx context.Context, jobID string, include, exclude []string) ([]ResultRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.readOnly {
		return nil, &JobError{Op: "ScanResults", JobID: jobID, Err: ErrReadOnly}
	}
	for _, list := range [][]string{include, exclude} {
		for _, p := range list {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("invalid result pattern: %s", p)
			}
		}
	}
	if _, err := s.getJob(ctx, jobID); err != nil {
		return nil, err
	}

	wd := s.WorkDir(jobID)
	var recs []ResultRecord
	err := filepath.WalkDir(wd, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		base := d.Name()
		if d.IsDir() {
			if p != wd && strings.HasPrefix(base, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || isReservedArtifact(base) {
			return nil
		}

		rel, err := filepath.Rel(wd, p)
		if err != nil {
			return fmt.Errorf("relativize result path: %w", err)
		}
		name := filepath.ToSlash(rel)

		if len(include) > 0 {
			matched, err := matchAny(include, name)
			if err != nil {
				return err
			}
			if !matched {
				return nil
			}
		}
		if len(exclude) > 0 {
			excluded, err := matchAny(exclude, name)
			if err != nil {
				return err
			}
			if excluded {
				return nil
			}
		}

		rec := ResultRecord{JobID: jobID, Name: name, MimeType: resultMimeType(name)}
		if err := s.AddResult(ctx, rec); err != nil {
			if IsResultExists(err) {
				return nil
			}
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan results for job %s: %w", jobID, err)
	}
	return recs, nil
}

// matchAny reports whether name matches at least one doublestar pattern.
func matchAny(patterns []string, name string) (bool, error) {
	for _, pat := range patterns {
		ok, err := doublestar.Match(pat, name)
		if err != nil {
			return false, fmt.Errorf("match pattern: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
