package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjy-dev/covhub/internal/diffcover"
	"github.com/zjy-dev/covhub/internal/diffinfo"
	"github.com/zjy-dev/covhub/internal/difftarget"
	"github.com/zjy-dev/covhub/internal/exec"
	"github.com/zjy-dev/covhub/internal/pipeline"
	"github.com/zjy-dev/covhub/internal/report"
	"github.com/zjy-dev/covhub/internal/state"
	"github.com/zjy-dev/covhub/internal/store"
)

const fooCoverage = `{"src/foo.ts": {
	"path": "src/foo.ts",
	"statementMap": {"0": {"start": {"line": 1, "column": 0}, "end": {"line": 1, "column": 12}}},
	"fnMap": {},
	"branchMap": {},
	"s": {"0": 1},
	"f": {},
	"b": {}
}}`

type noRefs struct{}

func (noRefs) VerifyRef(ref string) error { return errors.New("unknown revision " + ref) }

type recordingExecutor struct {
	mu          sync.Mutex
	calls       [][]string
	missingTool bool
}

func (e *recordingExecutor) Run(_ context.Context, _ string, command string, args ...string) (*exec.ExecutionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, append([]string{command}, args...))
	missing := e.missingTool
	e.mu.Unlock()
	if args[len(args)-1] == "--version" && missing {
		return nil, errors.New("exec: \"" + command + "\": executable file not found in $PATH")
	}
	if args[len(args)-1] != "--version" {
		if err := os.WriteFile(args[len(args)-1], []byte("<html>diff</html>"), 0644); err != nil {
			return nil, err
		}
	}
	return &exec.ExecutionResult{ExitCode: 0}, nil
}

func (e *recordingExecutor) uninstall() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.missingTool = true
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixture struct {
	handler http.Handler
	out     string
	exec    *recordingExecutor
}

func newFixture(t *testing.T, opts Options, target string, fs afero.Fs) *fixture {
	t.Helper()
	out := filepath.Join(t.TempDir(), "output")
	gen := report.NewGenerator(out, report.WithPreservedFiles(diffcover.ReportFileName, state.DiffInfoFileName))
	p := pipeline.New(store.New(), gen)
	ex := &recordingExecutor{}

	if target != "" {
		orch := diffcover.New(diffcover.Config{Target: target, OutputDir: out}, diffcover.Deps{
			Resolver:  difftarget.NewResolver(fs, noRefs{}),
			Extractor: diffinfo.NewExtractor(fs, nil),
			LCOV:      p,
			Cache:     state.NewFileManager(out),
			Executor:  ex,
			Lock:      p.ReportLocker(),
		})
		orch.Configure()
		p.SetDiffer(orch)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", Health)
	Mount(mux, "/coverage", New(p, opts))
	return &fixture{handler: mux, out: out, exec: ex}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestMerge(t *testing.T) {
	f := newFixture(t, Options{}, "", nil)

	t.Run("valid object", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/coverage/merge", fooCoverage)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		assert.FileExists(t, filepath.Join(f.out, "index.html"))
	})

	t.Run("no-op bodies", func(t *testing.T) {
		for _, body := range []string{"", "{}", "null", "  "} {
			rec := f.do(http.MethodPost, "/coverage/merge", body)
			assert.Equal(t, http.StatusOK, rec.Code, "body %q", body)
			assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		}
	})

	t.Run("rejects non-objects", func(t *testing.T) {
		for _, body := range []string{"[1,2]", `"text"`, "42", "{broken"} {
			rec := f.do(http.MethodPost, "/coverage/merge", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
			assert.Equal(t, msgNotAnObject, rec.Body.String())
		}
	})

	t.Run("accumulates", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/coverage/object", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got map[string]struct {
			S map[string]int `json:"s"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 1, got["src/foo.ts"].S["0"])
	})
}

func TestMerge_BodyLimit(t *testing.T) {
	f := newFixture(t, Options{MaxBodyBytes: 16}, "", nil)
	rec := f.do(http.MethodPost, "/coverage/merge", fooCoverage)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestObject_Empty(t *testing.T) {
	f := newFixture(t, Options{}, "", nil)
	rec := f.do(http.MethodGet, "/coverage/object", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestReset(t *testing.T) {
	t.Run("post", func(t *testing.T) {
		f := newFixture(t, Options{}, "", nil)
		f.do(http.MethodPost, "/coverage/merge", fooCoverage)

		rec := f.do(http.MethodPost, "/coverage/reset", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		assert.JSONEq(t, `{}`, f.do(http.MethodGet, "/coverage/object", "").Body.String())
	})

	t.Run("get is off by default", func(t *testing.T) {
		f := newFixture(t, Options{}, "", nil)
		f.do(http.MethodPost, "/coverage/merge", fooCoverage)

		rec := f.do(http.MethodGet, "/coverage/reset", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.NotEqual(t, `{}`, strings.TrimSpace(f.do(http.MethodGet, "/coverage/object", "").Body.String()))
	})

	t.Run("get when enabled", func(t *testing.T) {
		f := newFixture(t, Options{ResetOnGet: true}, "", nil)
		f.do(http.MethodPost, "/coverage/merge", fooCoverage)

		rec := f.do(http.MethodGet, "/coverage/reset", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{}`, f.do(http.MethodGet, "/coverage/object", "").Body.String())
	})
}

func TestDownload(t *testing.T) {
	f := newFixture(t, Options{}, "", nil)

	rec := f.do(http.MethodGet, "/coverage/download", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgNoCoverage, rec.Body.String())

	f.do(http.MethodPost, "/coverage/merge", fooCoverage)
	rec = f.do(http.MethodGet, "/coverage/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=coverage.zip", rec.Header().Get("Content-Disposition"))

	body := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Contains(t, names, "coverage.json")
	assert.Contains(t, names, "html/index.html")
}

func TestLCOV(t *testing.T) {
	f := newFixture(t, Options{}, "", nil)

	rec := f.do(http.MethodGet, "/coverage/lcov", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.do(http.MethodPost, "/coverage/merge", fooCoverage)
	rec = f.do(http.MethodGet, "/coverage/lcov", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "lcov.info")
	assert.Contains(t, rec.Body.String(), "SF:src/foo.ts\n")
	assert.Contains(t, rec.Body.String(), "DA:1,1\n")
}

func TestStaticReports(t *testing.T) {
	f := newFixture(t, Options{}, "", nil)
	f.do(http.MethodPost, "/coverage/merge", fooCoverage)

	rec := f.do(http.MethodGet, "/coverage/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "src/foo.ts")

	rec = f.do(http.MethodGet, "/coverage/src/foo.ts.html", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/coverage", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{}, "", nil)
	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "enabled", got["coverage"])
	assert.NotEmpty(t, got["timestamp"])
}

func TestDiff_Unconfigured(t *testing.T) {
	f := newFixture(t, Options{}, "", nil)
	f.do(http.MethodPost, "/coverage/merge", fooCoverage)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/coverage/diff/info", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/coverage/diff", "").Code)
}

func TestDiff_InvalidTarget(t *testing.T) {
	f := newFixture(t, Options{}, "nonexistent-branch", afero.NewMemMapFs())

	rec := f.do(http.MethodPost, "/coverage/merge", fooCoverage)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/coverage/diff/info", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "nonexistent-branch")

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/coverage/diff", "").Code)
	assert.Zero(t, f.exec.count())
	assert.NoFileExists(t, filepath.Join(f.out, state.DiffInfoFileName))
}

func TestDiff_DiffFileTarget(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/change.diff", []byte("--- a/src/foo.ts\n+++ b/src/foo.ts\n"), 0644))
	f := newFixture(t, Options{}, "/work/change.diff", fs)

	t.Run("on demand before any merge", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/coverage/diff/info", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got diffcover.InfoResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.False(t, got.Cached)
		assert.True(t, got.EnableDiffCoverage)
		assert.Equal(t, difftarget.KindDiffFile, got.TargetType)
		assert.Equal(t, []string{"src/foo.ts"}, got.ChangedFiles)
		assert.Nil(t, got.GeneratedAt)

		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/coverage/diff", "").Code)
	})

	t.Run("cached after a merge", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/coverage/merge", fooCoverage)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		assert.Equal(t, 2, f.exec.count())

		rec = f.do(http.MethodGet, "/coverage/diff/info", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got diffcover.InfoResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.True(t, got.Cached)
		assert.False(t, got.Stale)
		assert.NotNil(t, got.GeneratedAt)

		rec = f.do(http.MethodGet, "/coverage/diff", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		body, _ := io.ReadAll(rec.Body)
		assert.Contains(t, string(body), "diff")
	})
}

func TestDiff_FailedCycleKeepsLastReport(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/change.diff", []byte("--- a/src/foo.ts\n+++ b/src/foo.ts\n"), 0644))
	f := newFixture(t, Options{}, "/work/change.diff", fs)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/coverage/merge", fooCoverage).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/coverage/diff", "").Code)

	f.exec.uninstall()
	rec := f.do(http.MethodPost, "/coverage/merge", fooCoverage)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warnings")

	rec = f.do(http.MethodGet, "/coverage/diff", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<html>diff</html>")

	rec = f.do(http.MethodGet, "/coverage/diff/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got diffcover.InfoResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Cached)
	assert.True(t, got.Stale)
	assert.Equal(t, []string{"src/foo.ts"}, got.ChangedFiles)

	index, err := os.ReadFile(filepath.Join(f.out, report.IndexFileName))
	require.NoError(t, err)
	assert.Contains(t, string(index), "(1/1)")
}
