// Package diffinfo extracts the list of changed files for a diff target,
// either by parsing a unified diff or by asking git.
package diffinfo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/zjy-dev/covhub/internal/difftarget"
)

// ErrDiffFileNotFound is returned when a diff-file target disappeared.
var ErrDiffFileNotFound = errors.New("diff file not found")

// Info describes what changed relative to a diff target.
type Info struct {
	ChangedFiles []string        `json:"changedFiles"`
	DiffSummary  string          `json:"diffSummary"`
	TargetType   difftarget.Kind `json:"targetType"`
}

// GitQuerier runs the read-only git queries needed for git-ref targets.
type GitQuerier interface {
	ChangedFiles(ctx context.Context, ref string) ([]string, error)
	DiffStat(ctx context.Context, ref string) (string, error)
}

// Extractor computes Info. It retains nothing between calls.
type Extractor struct {
	fs  afero.Fs
	git GitQuerier
}

// NewExtractor creates an Extractor. A nil fs means the OS filesystem.
func NewExtractor(fs afero.Fs, git GitQuerier) *Extractor {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Extractor{fs: fs, git: git}
}

// Extract computes the diff info of target, already classified as kind.
func (e *Extractor) Extract(ctx context.Context, target string, kind difftarget.Kind) (*Info, error) {
	switch kind {
	case difftarget.KindDiffFile:
		return e.fromDiffFile(target)
	case difftarget.KindGitRef:
		return e.fromGitRef(ctx, target)
	default:
		return nil, fmt.Errorf("%w: %q", difftarget.ErrInvalidTarget, target)
	}
}

func (e *Extractor) fromDiffFile(path string) (*Info, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDiffFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to open diff file %s: %w", path, err)
	}
	defer f.Close()

	files, err := ParseUnifiedDiff(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read diff file %s: %w", path, err)
	}

	return &Info{
		ChangedFiles: files,
		DiffSummary:  fmt.Sprintf("Diff file: %s\nChanged files: %d", path, len(files)),
		TargetType:   difftarget.KindDiffFile,
	}, nil
}

func (e *Extractor) fromGitRef(ctx context.Context, ref string) (*Info, error) {
	if e.git == nil {
		return nil, fmt.Errorf("git-ref target %q: no git repository configured", ref)
	}

	files, err := e.git.ChangedFiles(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed files against %q: %w", ref, err)
	}
	stat, err := e.git.DiffStat(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize diff against %q: %w", ref, err)
	}
	if files == nil {
		files = []string{}
	}

	return &Info{
		ChangedFiles: files,
		DiffSummary:  stat,
		TargetType:   difftarget.KindGitRef,
	}, nil
}

// ParseUnifiedDiff collects the post-image paths of a unified diff from its
// "diff --git" and "+++" headers, in first-seen order without duplicates.
// A "+++ /dev/null" header contributes nothing.
func ParseUnifiedDiff(r io.Reader) ([]string, error) {
	files := []string{}
	seen := make(map[string]bool)
	add := func(path string) {
		if path == "" || path == "/dev/null" || seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	br := bufio.NewReader(r)
	for {
		line, err := readHeaderLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r")

		switch {
		case strings.HasPrefix(line, "diff --git "):
			add(gitHeaderNewPath(strings.TrimPrefix(line, "diff --git ")))
		case strings.HasPrefix(line, "+++ "):
			name := strings.TrimPrefix(line, "+++ ")
			// Some tools append a tab and a timestamp.
			if i := strings.IndexByte(name, '\t'); i >= 0 {
				name = name[:i]
			}
			if strings.HasPrefix(name, "b/") {
				add(strings.TrimPrefix(name, "b/"))
			}
		}
	}
	return files, nil
}

// readHeaderLine reads one line of any length. Lines that cannot be headers
// are truncated to their first buffered chunk, so hunk content is never held
// in memory in full.
func readHeaderLine(br *bufio.Reader) (string, error) {
	chunk, more, err := br.ReadLine()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Write(chunk)
	keep := bytes.HasPrefix(chunk, []byte("diff --git ")) || bytes.HasPrefix(chunk, []byte("+++ "))
	for more {
		chunk, more, err = br.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if keep {
			sb.Write(chunk)
		}
	}
	return sb.String(), nil
}

// gitHeaderNewPath extracts <new> from "a/<old> b/<new>".
func gitHeaderNewPath(rest string) string {
	if !strings.HasPrefix(rest, "a/") {
		return ""
	}
	i := strings.LastIndex(rest, " b/")
	if i < 0 {
		return ""
	}
	return rest[i+len(" b/"):]
}
