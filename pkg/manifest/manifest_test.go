package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validManifestYAML returns a minimal valid manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
service:
  name: nightly-export
  worker:
    kind: stratus
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "service": {
    "name": "nightly-export",
    "worker": {
      "kind": "stratus"
    }
  }
}`
}

// manifestWithSchemaYAML returns a manifest with the $schema field for editor support.
func manifestWithSchemaYAML() string {
	return `$schema: https://schemas.3leaps.dev/gostratus/v1.0.0/service-manifest.schema.json
version: "1.0"
service:
  name: nightly-export
  worker:
    kind: stratus
`
}

// fullManifestYAML returns a complete manifest with all optional fields.
func fullManifestYAML() string {
	return `version: "1.0"
service:
  name: nightly-export
  description: Nightly export of matched records.
  worker:
    kind: command
    argv:
      - /usr/local/bin/export
      - --compress
  parameters:
    - name: query
      type: string
      required: true
    - name: rows
      type: int
      default: "1000"
    - name: cutoff
      type: timestamp
  limits:
    execution_duration: 30m
    max_execution_duration: 2h
    lifetime: 72h
  results:
    include:
      - "*.json"
      - "out/**/*.csv"
    exclude:
      - "scratch/**"
  archive:
    enabled: true
    prefix: exports
`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  validManifestYAML(),
			filename: "manifest.yaml",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "nightly-export", m.Service.Name)
				assert.Equal(t, WorkerKindStratus, m.Service.Worker.Kind)
				// Check defaults were applied
				assert.Equal(t, DefaultExecutionDuration, m.Service.Limits.ExecutionDuration)
				assert.Equal(t, DefaultLifetime, m.Service.Limits.Lifetime)
				assert.Equal(t, DefaultResultIncludes(), m.Service.Results.Include)
				assert.Equal(t, "nightly-export", m.Service.Archive.Prefix)
				assert.False(t, m.Service.Archive.Enabled)
			},
		},
		{
			name:     "valid JSON manifest",
			content:  validManifestJSON(),
			filename: "manifest.json",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "nightly-export", m.Service.Name)
			},
		},
		{
			name:     "manifest with $schema field",
			content:  manifestWithSchemaYAML(),
			filename: "with-schema.yaml",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "https://schemas.3leaps.dev/gostratus/v1.0.0/service-manifest.schema.json", m.Schema)
				assert.Equal(t, "1.0", m.Version)
			},
		},
		{
			name:     "full manifest with all options",
			content:  fullManifestYAML(),
			filename: "full.yaml",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				// Service
				assert.Equal(t, "nightly-export", m.Service.Name)
				assert.Equal(t, "Nightly export of matched records.", m.Service.Description)
				// Worker
				assert.Equal(t, WorkerKindCommand, m.Service.Worker.Kind)
				assert.Equal(t, []string{"/usr/local/bin/export", "--compress"}, m.Service.Worker.Argv)
				// Parameters
				require.Len(t, m.Service.Parameters, 3)
				assert.Equal(t, "query", m.Service.Parameters[0].Name)
				assert.True(t, m.Service.Parameters[0].Required)
				assert.Equal(t, "1000", m.Service.Parameters[1].Default)
				// Limits
				assert.Equal(t, 30*time.Minute, m.Service.Limits.ExecutionDuration.Std())
				assert.Equal(t, 2*time.Hour, m.Service.Limits.MaxExecutionDuration.Std())
				assert.Equal(t, 72*time.Hour, m.Service.Limits.Lifetime.Std())
				// Results
				assert.Equal(t, []string{"*.json", "out/**/*.csv"}, m.Service.Results.Include)
				assert.Equal(t, []string{"scratch/**"}, m.Service.Results.Exclude)
				// Archive
				assert.True(t, m.Service.Archive.Enabled)
				assert.Equal(t, "exports", m.Service.Archive.Prefix)
			},
		},
		{
			name:     "yml extension works",
			content:  validManifestYAML(),
			filename: "manifest.yml",
			wantErr:  false,
		},
		{
			name:        "empty file",
			content:     "",
			filename:    "empty.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML syntax",
			content:     "version: [invalid yaml",
			filename:    "bad.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON syntax",
			content:     `{"version": "1.0"`,
			filename:    "bad.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name: "missing version",
			content: `service:
  name: test
  worker:
    kind: stratus
`,
			filename:    "no-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name: "wrong version",
			content: `version: "2.0"
service:
  name: test
  worker:
    kind: stratus
`,
			filename:    "wrong-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name:        "missing service",
			content:     `version: "1.0"`,
			filename:    "no-service.yaml",
			wantErr:     true,
			errContains: "service",
		},
		{
			name: "missing service name",
			content: `version: "1.0"
service:
  worker:
    kind: stratus
`,
			filename:    "no-name.yaml",
			wantErr:     true,
			errContains: "name",
		},
		{
			name: "uppercase service name",
			content: `version: "1.0"
service:
  name: Export
  worker:
    kind: stratus
`,
			filename:    "upper-name.yaml",
			wantErr:     true,
			errContains: "name",
		},
		{
			name: "missing worker",
			content: `version: "1.0"
service:
  name: test
`,
			filename:    "no-worker.yaml",
			wantErr:     true,
			errContains: "worker",
		},
		{
			name: "unknown worker kind",
			content: `version: "1.0"
service:
  name: test
  worker:
    kind: fortran
`,
			filename:    "bad-kind.yaml",
			wantErr:     true,
			errContains: "kind",
		},
		{
			name: "unknown parameter type",
			content: `version: "1.0"
service:
  name: test
  worker:
    kind: stratus
  parameters:
    - name: x
      type: decimal
`,
			filename:    "bad-param-type.yaml",
			wantErr:     true,
			errContains: "parameters",
		},
		{
			name: "duplicate parameter name",
			content: `version: "1.0"
service:
  name: test
  worker:
    kind: stratus
  parameters:
    - name: query
      type: string
    - name: query
      type: int
`,
			filename:    "dup-param.yaml",
			wantErr:     true,
			errContains: "duplicate parameter name",
		},
		{
			name: "malformed duration",
			content: `version: "1.0"
service:
  name: test
  worker:
    kind: stratus
  limits:
    execution_duration: 30 minutes
`,
			filename:    "bad-duration.yaml",
			wantErr:     true,
			errContains: "execution_duration",
		},
		{
			name: "invalid result pattern",
			content: `version: "1.0"
service:
  name: test
  worker:
    kind: stratus
  results:
    include:
      - "[unclosed"
`,
			filename:    "bad-pattern.yaml",
			wantErr:     true,
			errContains: "invalid glob pattern",
		},
		{
			name: "unknown field rejected",
			content: `version: "1.0"
service:
  name: test
  worker:
    kind: stratus
  unknown_field: value
`,
			filename:    "unknown-field.yaml",
			wantErr:     true,
			errContains: "additional",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create temp file
			tmpDir := t.TempDir()
			path := filepath.Join(tmpDir, tt.filename)
			err := os.WriteFile(path, []byte(tt.content), 0o644)
			require.NoError(t, err)

			// Load manifest
			m, err := Load(path)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.errContains),
						"error should contain %q", tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, m)

			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("file not found", func(t *testing.T) {
		_, err := Load("/nonexistent/path/manifest.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("permission denied", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("skipping permission test when running as root")
		}

		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "noperm.yaml")
		err := os.WriteFile(path, []byte(validManifestYAML()), 0o000)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = os.Chmod(path, 0o644) // Restore permissions for cleanup
		})

		_, err = Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission")
	})
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("YAML by extension", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "test.yaml")
		require.NoError(t, err)
		assert.Equal(t, "nightly-export", m.Service.Name)
	})

	t.Run("JSON by extension", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestJSON()), "test.json")
		require.NoError(t, err)
		assert.Equal(t, "nightly-export", m.Service.Name)
	})

	t.Run("auto-detect YAML", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "")
		require.NoError(t, err)
		assert.Equal(t, "nightly-export", m.Service.Name)
	})

	t.Run("auto-detect JSON", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestJSON()), "")
		require.NoError(t, err)
		assert.Equal(t, "nightly-export", m.Service.Name)
	})

	t.Run("unknown extension tries both", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "test.txt")
		require.NoError(t, err)
		assert.Equal(t, "nightly-export", m.Service.Name)
	})
}

func TestLoadFromReader(t *testing.T) {
	t.Run("reads from reader", func(t *testing.T) {
		r := strings.NewReader(validManifestYAML())
		m, err := LoadFromReader(r, "test.yaml")
		require.NoError(t, err)
		assert.Equal(t, "nightly-export", m.Service.Name)
	})
}

func TestLoadDir(t *testing.T) {
	t.Run("loads all manifests in filename order", func(t *testing.T) {
		dir := t.TempDir()
		first := strings.Replace(validManifestYAML(), "nightly-export", "alpha", 1)
		second := strings.Replace(validManifestJSON(), "nightly-export", "beta", 1)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "10-alpha.yaml"), []byte(first), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "20-beta.json"), []byte(second), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

		manifests, err := LoadDir(dir)
		require.NoError(t, err)
		require.Len(t, manifests, 2)
		assert.Equal(t, "alpha", manifests[0].Service.Name)
		assert.Equal(t, "beta", manifests[1].Service.Name)
	})

	t.Run("one bad manifest fails the load", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(validManifestYAML()), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("version: [oops"), 0o644))

		_, err := LoadDir(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad.yaml")
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := LoadDir("/nonexistent/manifests")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestApplyDefaults(t *testing.T) {
	t.Run("applies all defaults", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Service: ServiceConfig{
				Name:   "test",
				Worker: WorkerConfig{Kind: WorkerKindStratus},
			},
		}

		m.ApplyDefaults()

		assert.Equal(t, DefaultExecutionDuration, m.Service.Limits.ExecutionDuration)
		assert.Equal(t, DefaultLifetime, m.Service.Limits.Lifetime)
		assert.Equal(t, Duration(0), m.Service.Limits.MaxExecutionDuration)
		assert.Equal(t, DefaultResultIncludes(), m.Service.Results.Include)
		assert.Equal(t, "test", m.Service.Archive.Prefix)
	})

	t.Run("preserves explicit values", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Service: ServiceConfig{
				Name:   "test",
				Worker: WorkerConfig{Kind: WorkerKindStratus},
				Limits: LimitsConfig{
					ExecutionDuration: Duration(10 * time.Minute),
					Lifetime:          Duration(24 * time.Hour),
				},
				Results: ResultsConfig{Include: []string{"*.csv"}},
				Archive: ArchiveConfig{Prefix: "custom"},
			},
		}

		m.ApplyDefaults()

		assert.Equal(t, 10*time.Minute, m.Service.Limits.ExecutionDuration.Std())
		assert.Equal(t, 24*time.Hour, m.Service.Limits.Lifetime.Std())
		assert.Equal(t, []string{"*.csv"}, m.Service.Results.Include)
		assert.Equal(t, "custom", m.Service.Archive.Prefix)
	})
}

func TestServiceConfigHelpers(t *testing.T) {
	svc := ServiceConfig{
		Name:   "test",
		Worker: WorkerConfig{Kind: WorkerKindStratus},
		Parameters: []ParameterConfig{
			{Name: "query", Type: "string", Required: true},
			{Name: "rows", Type: "int", Default: "1000"},
			{Name: "cutoff", Type: "timestamp"},
		},
		Limits: LimitsConfig{
			ExecutionDuration:    Duration(30 * time.Minute),
			MaxExecutionDuration: Duration(2 * time.Hour),
			Lifetime:             Duration(72 * time.Hour),
		},
	}

	t.Run("parameter types", func(t *testing.T) {
		types := svc.ParameterTypes()
		require.Len(t, types, 3)
		assert.Equal(t, "string", string(types["query"]))
		assert.Equal(t, "int", string(types["rows"]))
		assert.Equal(t, "timestamp", string(types["cutoff"]))
	})

	t.Run("parameter defaults", func(t *testing.T) {
		defaults := svc.ParameterDefaults()
		assert.Equal(t, map[string]string{"rows": "1000"}, defaults)
	})

	t.Run("missing required", func(t *testing.T) {
		assert.Equal(t, []string{"query"}, svc.MissingRequired(nil))
		assert.Empty(t, svc.MissingRequired(map[string]string{"query": "v1:string:x"}))
	})

	t.Run("effective duration defaults and clamps", func(t *testing.T) {
		assert.Equal(t, 30*time.Minute, svc.EffectiveDuration(0))
		assert.Equal(t, time.Hour, svc.EffectiveDuration(time.Hour))
		assert.Equal(t, 2*time.Hour, svc.EffectiveDuration(5*time.Hour))
	})

	t.Run("effective duration without max", func(t *testing.T) {
		unlimited := svc
		unlimited.Limits.MaxExecutionDuration = 0
		assert.Equal(t, 5*time.Hour, unlimited.EffectiveDuration(5*time.Hour))
	})

	t.Run("effective lifetime", func(t *testing.T) {
		assert.Equal(t, 72*time.Hour, svc.EffectiveLifetime())

		var bare ServiceConfig
		assert.Equal(t, DefaultLifetime.Std(), bare.EffectiveLifetime())
	})
}

func TestDuration(t *testing.T) {
	t.Run("parses compound forms", func(t *testing.T) {
		var d Duration
		require.NoError(t, d.parse("1h30m"))
		assert.Equal(t, 90*time.Minute, d.Std())
	})

	t.Run("empty means zero", func(t *testing.T) {
		var d Duration
		require.NoError(t, d.parse(""))
		assert.Equal(t, Duration(0), d)
	})

	t.Run("rejects negatives and junk", func(t *testing.T) {
		var d Duration
		assert.Error(t, d.parse("-5m"))
		assert.Error(t, d.parse("soon"))
	})

	t.Run("marshals canonical form", func(t *testing.T) {
		d := Duration(90 * time.Minute)
		data, err := d.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, `"1h30m0s"`, string(data))
	})
}

func TestValidationErrors(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "/version", Message: "required"},
		}
		assert.Contains(t, errs.Error(), "/version")
		assert.Contains(t, errs.Error(), "required")
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "/version", Message: "required"},
			{Path: "/service/name", Message: "must not be empty"},
		}
		errStr := errs.Error()
		assert.Contains(t, errStr, "2 errors")
		assert.Contains(t, errStr, "/version")
		assert.Contains(t, errStr, "/service/name")
	})

	t.Run("empty path", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "", Message: "root error"},
		}
		assert.Equal(t, "root error", errs.Error())
	})

	t.Run("unwrap returns ErrValidationFailed", func(t *testing.T) {
		errs := ValidationErrors{{Path: "/x", Message: "bad"}}
		assert.True(t, errors.Is(errs, ErrValidationFailed))
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid manifest passes", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Service: ServiceConfig{
				Name:   "test",
				Worker: WorkerConfig{Kind: WorkerKindStratus},
			},
		}
		err := Validate(m)
		assert.NoError(t, err)
	})

	t.Run("invalid manifest fails", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Service: ServiceConfig{
				Name:   "test",
				Worker: WorkerConfig{Kind: "not-a-kind"},
			},
		}
		err := Validate(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})

	t.Run("semantic rules apply to structs", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Service: ServiceConfig{
				Name:   "test",
				Worker: WorkerConfig{Kind: WorkerKindStratus},
				Parameters: []ParameterConfig{
					{Name: "x", Type: "string"},
					{Name: "x", Type: "int"},
				},
			},
		}
		err := Validate(m)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate parameter name")
	})
}

func TestValidationError_Error(t *testing.T) {
	t.Run("with path", func(t *testing.T) {
		e := ValidationError{Path: "/foo/bar", Message: "invalid"}
		assert.Equal(t, "/foo/bar: invalid", e.Error())
	})

	t.Run("without path", func(t *testing.T) {
		e := ValidationError{Path: "", Message: "something wrong"}
		assert.Equal(t, "something wrong", e.Error())
	})
}

func TestValidate_EmbeddedSchema(t *testing.T) {
	// This test verifies that validation works from any directory,
	// proving the embedded schema is being used (not disk-based lookup).
	t.Run("works from arbitrary directory", func(t *testing.T) {
		// Save current directory
		originalDir, err := os.Getwd()
		require.NoError(t, err)

		// Change to a temporary directory (outside repo)
		tmpDir := t.TempDir()
		err = os.Chdir(tmpDir)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = os.Chdir(originalDir)
		})

		// Validation should still work because schema is embedded
		m := &Manifest{
			Version: "1.0",
			Service: ServiceConfig{
				Name:   "test",
				Worker: WorkerConfig{Kind: WorkerKindStratus},
			},
		}
		err = Validate(m)
		assert.NoError(t, err, "validation should work from any directory using embedded schema")
	})
}
