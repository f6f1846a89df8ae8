package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostratus/internal/config"
	"github.com/3leaps/gostratus/pkg/manifest"
	"github.com/3leaps/gostratus/pkg/uws"
)

func TestRowValue_Deterministic(t *testing.T) {
	a := rowValue("select * from t", 7)
	b := rowValue("select * from t", 7)
	require.Equal(t, a, b)

	require.NotEqual(t, a, rowValue("select * from t", 8))
	require.NotEqual(t, a, rowValue("select * from u", 7))

	// FNV-64 in hex, never empty.
	require.NotEmpty(t, a)
	require.LessOrEqual(t, len(a), 16)
}

func stratusTestCodec(t *testing.T) *uws.Codec {
	t.Helper()
	codec, err := uws.NewCodec(map[string]uws.ParamType{
		"query": uws.ParamString,
		"rows":  uws.ParamInt,
	})
	require.NoError(t, err)
	return codec
}

func TestStringParam(t *testing.T) {
	codec := stratusTestCodec(t)
	job := &uws.Job{Parameters: map[string]string{
		"query": "v1:string:select 1",
		"rows":  "v1:int:250",
	}}

	v, err := stringParam(codec, job, "query")
	require.NoError(t, err)
	require.Equal(t, "select 1", v)

	_, err = stringParam(codec, job, "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "is not set")

	_, err = stringParam(codec, job, "rows")
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected string")
}

func TestIntParam(t *testing.T) {
	codec := stratusTestCodec(t)
	job := &uws.Job{Parameters: map[string]string{
		"query": "v1:string:select 1",
		"rows":  "v1:int:250",
	}}

	n, err := intParam(codec, job, "rows")
	require.NoError(t, err)
	require.Equal(t, int64(250), n)

	_, err = intParam(codec, job, "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "is not set")

	_, err = intParam(codec, job, "query")
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected int")
}

func TestBuildArchiver_NoBackendConfigured(t *testing.T) {
	cfg := &config.Config{}
	m := &manifest.Manifest{Service: manifest.ServiceConfig{
		Name:    "report",
		Archive: manifest.ArchiveConfig{Enabled: true, Prefix: "report"},
	}}

	_, err := buildArchiver(context.Background(), cfg, m)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no archive backend is configured")
	require.Contains(t, err.Error(), "report")
}

func TestBuildArchiver_FileBackendComposesPrefix(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Archive.Backend = "file"
	cfg.Archive.Dir = dir
	cfg.Archive.Prefix = "archives"

	m := &manifest.Manifest{Service: manifest.ServiceConfig{
		Name:    "report",
		Archive: manifest.ArchiveConfig{Enabled: true, Prefix: "reports"},
	}}

	arch, err := buildArchiver(context.Background(), cfg, m)
	require.NoError(t, err)
	defer arch.Close()

	content := "hello"
	err = arch.Store(context.Background(), "job1", "result.txt", strings.NewReader(content), int64(len(content)), "text/plain")
	require.NoError(t, err)

	// The service prefix nests under the global one.
	data, err := os.ReadFile(filepath.Join(dir, "archives", "reports", "job1", "result.txt"))
	require.NoError(t, err)
	require.Equal(t, content, string(data))
}
