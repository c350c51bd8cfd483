package diffinfo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjy-dev/covhub/internal/difftarget"
)

type fakeGit struct {
	files    []string
	stat     string
	filesErr error
	statErr  error
	refs     []string
}

func (f *fakeGit) ChangedFiles(_ context.Context, ref string) ([]string, error) {
	f.refs = append(f.refs, ref)
	return f.files, f.filesErr
}

func (f *fakeGit) DiffStat(_ context.Context, ref string) (string, error) {
	f.refs = append(f.refs, ref)
	return f.stat, f.statErr
}

const sampleDiff = `diff --git a/src/test.ts b/src/test.ts
index 1234567..abcdefg 100644
--- a/src/test.ts
+++ b/src/test.ts
@@ -1,3 +1,4 @@
 function test() {
   console.log("hello");
+  console.log("world");
 }
diff --git a/src/old.ts b/src/renamed.ts
similarity index 90%
rename from src/old.ts
rename to src/renamed.ts
diff --git a/src/gone.ts b/src/gone.ts
deleted file mode 100644
--- a/src/gone.ts
+++ /dev/null
`

func TestParseUnifiedDiff(t *testing.T) {
	t.Run("collects new paths in first-seen order", func(t *testing.T) {
		files, err := ParseUnifiedDiff(strings.NewReader(sampleDiff))
		require.NoError(t, err)
		assert.Equal(t, []string{"src/test.ts", "src/renamed.ts", "src/gone.ts"}, files)
	})

	t.Run("plus header alone", func(t *testing.T) {
		files, err := ParseUnifiedDiff(strings.NewReader("--- a/foo.ts\n+++ b/foo.ts\n@@ -1 +1 @@\n-a\n+b\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"foo.ts"}, files)
	})

	t.Run("strips timestamps and CRLF", func(t *testing.T) {
		files, err := ParseUnifiedDiff(strings.NewReader("+++ b/lib/x.js\t2026-10-19 10:00:00\r\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"lib/x.js"}, files)
	})

	t.Run("ignores dev null and content lines", func(t *testing.T) {
		files, err := ParseUnifiedDiff(strings.NewReader("+++ /dev/null\n++++ b/not-a-header\n+ b/also-content\n"))
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("tolerates very long hunk lines", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("diff --git a/min.js b/min.js\n+++ b/min.js\n@@ -1 +1 @@\n+")
		sb.WriteString(strings.Repeat("x", 11*1024*1024))
		sb.WriteString("\ndiff --git a/next.js b/next.js\n+++ b/next.js\n")

		files, err := ParseUnifiedDiff(strings.NewReader(sb.String()))
		require.NoError(t, err)
		assert.Equal(t, []string{"min.js", "next.js"}, files)
	})

	t.Run("long header paths are kept whole", func(t *testing.T) {
		long := strings.Repeat("d/", 4000) + "f.js"
		files, err := ParseUnifiedDiff(strings.NewReader("+++ b/" + long + "\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{long}, files)
	})

	t.Run("malformed input yields no files", func(t *testing.T) {
		files, err := ParseUnifiedDiff(strings.NewReader("diff content"))
		require.NoError(t, err)
		assert.NotNil(t, files)
		assert.Empty(t, files)
	})

	t.Run("paths with spaces", func(t *testing.T) {
		files, err := ParseUnifiedDiff(strings.NewReader("diff --git a/my dir/f.go b/my dir/f.go\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"my dir/f.go"}, files)
	})
}

func TestExtract_DiffFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/change.diff", []byte("+++ b/foo.ts\n"), 0644))
	git := &fakeGit{}
	e := NewExtractor(fs, git)

	info, err := e.Extract(context.Background(), "/work/change.diff", difftarget.KindDiffFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo.ts"}, info.ChangedFiles)
	assert.Equal(t, difftarget.KindDiffFile, info.TargetType)
	assert.Equal(t, "Diff file: /work/change.diff\nChanged files: 1", info.DiffSummary)
	assert.Empty(t, git.refs)

	t.Run("deterministic", func(t *testing.T) {
		again, err := e.Extract(context.Background(), "/work/change.diff", difftarget.KindDiffFile)
		require.NoError(t, err)
		assert.Equal(t, info, again)
	})
}

func TestExtract_MissingDiffFile(t *testing.T) {
	e := NewExtractor(afero.NewMemMapFs(), nil)

	_, err := e.Extract(context.Background(), "/gone.diff", difftarget.KindDiffFile)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDiffFileNotFound))
}

func TestExtract_GitRef(t *testing.T) {
	git := &fakeGit{files: []string{"a.go", "b.go"}, stat: " 2 files changed, 3 insertions(+)"}
	e := NewExtractor(afero.NewMemMapFs(), git)

	info, err := e.Extract(context.Background(), "main", difftarget.KindGitRef)
	require.NoError(t, err)
	assert.Equal(t, &Info{
		ChangedFiles: []string{"a.go", "b.go"},
		DiffSummary:  " 2 files changed, 3 insertions(+)",
		TargetType:   difftarget.KindGitRef,
	}, info)
	assert.Equal(t, []string{"main", "main"}, git.refs)
}

func TestExtract_GitRefNoChanges(t *testing.T) {
	e := NewExtractor(nil, &fakeGit{})

	info, err := e.Extract(context.Background(), "main", difftarget.KindGitRef)
	require.NoError(t, err)
	assert.Equal(t, []string{}, info.ChangedFiles)
}

func TestExtract_GitFailures(t *testing.T) {
	boom := errors.New("fatal: not a git repository")

	t.Run("changed files", func(t *testing.T) {
		e := NewExtractor(nil, &fakeGit{filesErr: boom})
		_, err := e.Extract(context.Background(), "feature/x", difftarget.KindGitRef)
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom))
		assert.Contains(t, err.Error(), `"feature/x"`)
	})

	t.Run("stat", func(t *testing.T) {
		e := NewExtractor(nil, &fakeGit{statErr: boom})
		_, err := e.Extract(context.Background(), "feature/x", difftarget.KindGitRef)
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("no repository configured", func(t *testing.T) {
		_, err := NewExtractor(nil, nil).Extract(context.Background(), "main", difftarget.KindGitRef)
		assert.Error(t, err)
	})
}

func TestExtract_InvalidKind(t *testing.T) {
	_, err := NewExtractor(nil, nil).Extract(context.Background(), "x", difftarget.KindInvalid)
	assert.True(t, errors.Is(err, difftarget.ErrInvalidTarget))
}
