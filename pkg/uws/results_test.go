package uws

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenResultRegistersOnClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	w, err := s.OpenResult(ctx, id, "out.json", "")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"ok":true}`))
	require.NoError(t, err)

	// Not visible until closed.
	_, err = s.GetResult(ctx, id, "out.json")
	assert.True(t, IsNotFound(err))

	require.NoError(t, w.Close())

	rec, err := s.GetResult(ctx, id, "out.json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", rec.MimeType)

	path, err := s.ResultPath(ctx, id, "out.json")
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(raw))

	// Closing twice is harmless.
	require.NoError(t, w.Close())
}

func TestOpenResultNestedName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	w, err := s.OpenResult(ctx, id, "tables/main.csv", "text/csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec, err := s.GetResult(ctx, id, "tables/main.csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", rec.MimeType)

	_, err = os.Stat(filepath.Join(s.WorkDir(id), "tables", "main.csv"))
	require.NoError(t, err)
}

func TestOpenResultRejectsInvalidNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	for _, name := range []string{
		"",
		".",
		"..",
		"../escape.txt",
		"/etc/passwd",
		"a/../../b",
		"a/./b",
		WorkerLogName,
		ErrorMarkerName,
		"logs/" + WorkerLogName,
		".hidden",
	} {
		_, err := s.OpenResult(ctx, id, name, "")
		require.Error(t, err, "name %q", name)
		assert.True(t, errors.Is(err, ErrResultInvalid), "name %q: %v", name, err)
	}
}

func TestOpenResultUnknownJob(t *testing.T) {
	s := newTestStore(t)

	_, err := s.OpenResult(context.Background(), "no-such-job", "out.txt", "")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestResultWriterAbortDiscards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	w, err := s.OpenResult(ctx, id, "partial.bin", "")
	require.NoError(t, err)
	_, err = w.Write([]byte("half"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, err = s.GetResult(ctx, id, "partial.bin")
	assert.True(t, IsNotFound(err))
	_, err = os.Stat(filepath.Join(s.WorkDir(id), "partial.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestScanResultsPatternsAndReservedNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	wd := s.WorkDir(id)

	write := func(rel, content string) {
		t.Helper()
		p := filepath.Join(wd, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	write("alpha.txt", "alpha")
	write("out/beta.json", "{}")
	write(WorkerLogName, "log line")
	write(ErrorMarkerName, "{}")
	write(".hidden", "secret")
	write(".stash/gamma.txt", "stashed")

	recs, err := s.ScanResults(ctx, id, []string{"**/*.json"}, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "out/beta.json", recs[0].Name)
	assert.Equal(t, "application/json", recs[0].MimeType)

	// A second scan without patterns picks up the rest, skipping runtime
	// artifacts, dotfiles, and already-registered names.
	recs, err = s.ScanResults(ctx, id, nil, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "alpha.txt", recs[0].Name)

	all, err := s.Results(ctx, id)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestScanResultsExcludePatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	wd := s.WorkDir(id)

	write := func(rel, content string) {
		t.Helper()
		p := filepath.Join(wd, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	write("out/final.csv", "a,b\n")
	write("scratch/tmp.csv", "c,d\n")
	write("notes.txt", "n")

	recs, err := s.ScanResults(ctx, id, []string{"**/*.csv"}, []string{"scratch/**"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "out/final.csv", recs[0].Name)

	// Excludes apply to the match-everything scan too.
	recs, err = s.ScanResults(ctx, id, nil, []string{"scratch/**"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "notes.txt", recs[0].Name)
}

func TestScanResultsRejectsBadPattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	_, err = s.ScanResults(ctx, id, []string{"[unclosed"}, nil)
	require.Error(t, err)

	_, err = s.ScanResults(ctx, id, nil, []string{"[unclosed"})
	require.Error(t, err)
}

func TestResultMimeFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	w, err := s.OpenResult(ctx, id, "blob.stratusdata", "")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec, err := s.GetResult(ctx, id, "blob.stratusdata")
	require.NoError(t, err)
	assert.Equal(t, DefaultResultMimeType, rec.MimeType)
}
