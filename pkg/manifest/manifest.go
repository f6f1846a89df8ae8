// Package manifest provides loading and validation of gostratus service manifests.
//
// A service manifest is a YAML or JSON file that declares one job kind: which
// builtin worker runs it, what parameters jobs of this kind accept, how long
// they may execute and be retained, which working-directory files become
// results, and whether finished artifacts are archived.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// the service is registered. The schema enforces strict typing and disallows
// unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	service:
//	  name: nightly-export
//	  worker:
//	    kind: stratus
//	  parameters:
//	    - name: query
//	      type: string
//	      required: true
//	    - name: rows
//	      type: int
//	      default: "1000"
//	  limits:
//	    execution_duration: 30m
//	    max_execution_duration: 2h
//	    lifetime: 72h
//	  results:
//	    include:
//	      - "*.json"
//	      - "out/**/*.csv"
package manifest

import (
	"strings"
	"time"

	"github.com/3leaps/gostratus/pkg/uws"
)

// Manifest represents a validated service manifest.
//
// A manifest declares exactly one service. Required fields are Version and
// Service (with its Name and Worker); everything else is optional with
// defaults applied during loading.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.3leaps.dev/gostratus/v1.0.0/service-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Service is the declared job kind.
	Service ServiceConfig `json:"service" yaml:"service"`
}

// ServiceConfig declares one job kind sharing the engine.
type ServiceConfig struct {
	// Name is the service name jobs reference at creation. Lowercase,
	// hyphen-separated.
	Name string `json:"name" yaml:"name"`

	// Description is a human-readable summary. Optional.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Worker selects the builtin worker kind executed for jobs of this
	// service.
	Worker WorkerConfig `json:"worker" yaml:"worker"`

	// Parameters declares the typed parameters jobs of this kind accept.
	// Optional; undeclared parameter names remain opaque strings.
	Parameters []ParameterConfig `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Limits bounds execution and retention (optional).
	Limits LimitsConfig `json:"limits,omitempty" yaml:"limits,omitempty"`

	// Results configures which working-directory files register as results
	// on completion (optional).
	Results ResultsConfig `json:"results,omitempty" yaml:"results,omitempty"`

	// Archive configures artifact archiving on completion (optional).
	Archive ArchiveConfig `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// WorkerConfig selects and configures the builtin worker kind.
type WorkerConfig struct {
	// Kind is the builtin worker name. Values: "stratus", "sleep",
	// "command".
	Kind string `json:"kind" yaml:"kind"`

	// Argv carries extra arguments for the worker kind. The command kind
	// requires it (the program and its arguments); the others ignore it.
	Argv []string `json:"argv,omitempty" yaml:"argv,omitempty"`
}

// ParameterConfig declares one typed job parameter.
type ParameterConfig struct {
	// Name is the parameter name. Lowercase; matching at the API is
	// case-insensitive.
	Name string `json:"name" yaml:"name"`

	// Type is the declared type enforced by the codec.
	// Values: string | int | float | bool | timestamp | json.
	Type string `json:"type" yaml:"type"`

	// Required marks parameters that must be set before RUN.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Default is the value applied at job creation when the caller omits
	// the parameter, in the parameter's text form.
	Default string `json:"default,omitempty" yaml:"default,omitempty"`
}

// LimitsConfig bounds execution and retention for jobs of a service.
//
// All fields are Go duration strings in the manifest file ("30m", "1h30m").
type LimitsConfig struct {
	// ExecutionDuration is the default worker deadline.
	// Default: 1h.
	ExecutionDuration Duration `json:"execution_duration,omitempty" yaml:"execution_duration,omitempty"`

	// MaxExecutionDuration is the upper bound callers cannot exceed.
	// Zero means no clamp.
	MaxExecutionDuration Duration `json:"max_execution_duration,omitempty" yaml:"max_execution_duration,omitempty"`

	// Lifetime is the default retention window; it sets the destruction
	// time of new jobs. Default: 48h.
	Lifetime Duration `json:"lifetime,omitempty" yaml:"lifetime,omitempty"`
}

// ResultsConfig selects which working-directory files become results.
type ResultsConfig struct {
	// Include is a list of glob patterns for files to register.
	// Default: ["**"] (everything except reserved names).
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`

	// Exclude is a list of glob patterns removed from the include set.
	// Optional.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// ArchiveConfig configures artifact archiving on completion.
type ArchiveConfig struct {
	// Enabled turns archiving on for this service. The backend comes from
	// the server configuration. Default: false.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Prefix is the key prefix under which artifacts are stored. Default:
	// the service name.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// Builtin worker kinds.
const (
	// WorkerKindStratus runs the bulk query simulation.
	WorkerKindStratus = "stratus"

	// WorkerKindSleep sleeps for the duration parameter. Used by tests and
	// load checks.
	WorkerKindSleep = "sleep"

	// WorkerKindCommand executes the manifest's argv in the job working
	// directory.
	WorkerKindCommand = "command"
)

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultExecutionDuration is the default worker deadline.
	DefaultExecutionDuration = Duration(uws.DefaultExecutionDuration)

	// DefaultLifetime is the default retention window.
	DefaultLifetime = Duration(uws.DefaultLifetime)
)

// DefaultResultIncludes returns the default result include set: every
// non-reserved file in the working directory.
func DefaultResultIncludes() []string {
	return []string{"**"}
}

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so callers
// don't need to reason about zero values.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}

	// Limits defaults
	if m.Service.Limits.ExecutionDuration == 0 {
		m.Service.Limits.ExecutionDuration = DefaultExecutionDuration
	}
	if m.Service.Limits.Lifetime == 0 {
		m.Service.Limits.Lifetime = DefaultLifetime
	}
	// MaxExecutionDuration: 0 is a valid value (no clamp), so no default

	// Results defaults
	if len(m.Service.Results.Include) == 0 {
		m.Service.Results.Include = DefaultResultIncludes()
	}

	// Archive defaults
	if m.Service.Archive.Prefix == "" {
		m.Service.Archive.Prefix = m.Service.Name
	}
}

// ParameterTypes maps the declared parameter names to codec types, ready for
// uws.NewCodec.
func (s *ServiceConfig) ParameterTypes() map[string]uws.ParamType {
	types := make(map[string]uws.ParamType, len(s.Parameters))
	for _, p := range s.Parameters {
		types[strings.ToLower(p.Name)] = uws.ParamType(p.Type)
	}
	return types
}

// ParameterDefaults returns name -> default text for declared parameters
// that carry one.
func (s *ServiceConfig) ParameterDefaults() map[string]string {
	defaults := make(map[string]string)
	for _, p := range s.Parameters {
		if p.Default != "" {
			defaults[strings.ToLower(p.Name)] = p.Default
		}
	}
	return defaults
}

// MissingRequired returns the declared required parameter names absent from
// params (keyed by lowercased name). Parameters with a default are never
// missing.
func (s *ServiceConfig) MissingRequired(params map[string]string) []string {
	var missing []string
	for _, p := range s.Parameters {
		if !p.Required || p.Default != "" {
			continue
		}
		if _, ok := params[strings.ToLower(p.Name)]; !ok {
			missing = append(missing, strings.ToLower(p.Name))
		}
	}
	return missing
}

// EffectiveDuration resolves a requested execution duration against the
// service limits: zero requests take the service default, and the result is
// clamped to the maximum when one is set.
func (s *ServiceConfig) EffectiveDuration(requested time.Duration) time.Duration {
	d := requested
	if d <= 0 {
		d = s.Limits.ExecutionDuration.Std()
	}
	if max := s.Limits.MaxExecutionDuration.Std(); max > 0 && d > max {
		d = max
	}
	return d
}

// EffectiveLifetime returns the retention window for new jobs of this
// service.
func (s *ServiceConfig) EffectiveLifetime() time.Duration {
	if s.Limits.Lifetime > 0 {
		return s.Limits.Lifetime.Std()
	}
	return DefaultLifetime.Std()
}
