package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostratus/pkg/uws"
)

func TestRegistry(t *testing.T) {
	t.Run("add and get", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Add(Builtins()...))

		m, ok := r.Get("stratus")
		require.True(t, ok)
		assert.Equal(t, WorkerKindStratus, m.Service.Worker.Kind)

		_, ok = r.Get("no-such-service")
		assert.False(t, ok)

		assert.Equal(t, []string{"sleep", "stratus"}, r.Names())
		assert.Equal(t, 2, r.Len())
	})

	t.Run("codec compiled per service", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Add(Builtins()...))

		codec, ok := r.Codec("stratus")
		require.True(t, ok)

		encoded, err := codec.Encode("rows", "42")
		require.NoError(t, err)
		assert.Equal(t, "v1:int:42", encoded)

		_, ok = r.Codec("no-such-service")
		assert.False(t, ok)
	})

	t.Run("duplicate service rejected", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Add(Builtins()...))

		err := r.Add(Builtins()[0])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate service")
	})

	t.Run("invalid parameter type rejected", func(t *testing.T) {
		r := NewRegistry()
		bad := &Manifest{
			Version: DefaultVersion,
			Service: ServiceConfig{
				Name:       "broken",
				Worker:     WorkerConfig{Kind: WorkerKindSleep},
				Parameters: []ParameterConfig{{Name: "x", Type: "decimal"}},
			},
		}
		err := r.Add(bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("unnamed service rejected", func(t *testing.T) {
		r := NewRegistry()
		err := r.Add(&Manifest{Version: DefaultVersion})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no service name")
	})
}

func TestBuiltins(t *testing.T) {
	builtins := Builtins()
	require.Len(t, builtins, 2)

	for _, m := range builtins {
		t.Run(m.Service.Name, func(t *testing.T) {
			assert.NoError(t, Validate(m), "builtin manifests must pass their own schema")
			assert.NotZero(t, m.Service.Limits.ExecutionDuration)
			assert.NotZero(t, m.Service.Limits.Lifetime)
			assert.NotEmpty(t, m.Service.Results.Include)

			_, err := uws.NewCodec(m.Service.ParameterTypes())
			assert.NoError(t, err)
		})
	}

	t.Run("stratus declares the query contract", func(t *testing.T) {
		stratus := builtins[0]
		require.Equal(t, "stratus", stratus.Service.Name)
		types := stratus.Service.ParameterTypes()
		assert.Equal(t, uws.ParamString, types["query"])
		assert.Equal(t, uws.ParamInt, types["rows"])
		assert.Equal(t, []string{"query"}, stratus.Service.MissingRequired(nil))
	})
}
