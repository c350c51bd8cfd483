// Package difftarget classifies a comparison target for differential
// coverage as a unified-diff file, a git reference, or invalid.
package difftarget

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// ErrInvalidTarget is returned for targets that are neither an existing
// diff file nor a resolvable git reference.
var ErrInvalidTarget = errors.New("invalid diff target")

// Kind is the classification of a diff target.
type Kind string

const (
	KindDiffFile Kind = "diff-file"
	KindGitRef   Kind = "git-ref"
	KindInvalid  Kind = "invalid"
)

// Classification is the outcome of Classify.
type Classification struct {
	Valid bool
	Kind  Kind
	Err   error
}

// RefVerifier checks, without side effects, that a git reference resolves.
type RefVerifier interface {
	VerifyRef(ref string) error
}

// Resolver classifies diff targets. It keeps no state between calls.
type Resolver struct {
	fs   afero.Fs
	refs RefVerifier
}

// NewResolver creates a Resolver. A nil fs means the OS filesystem.
func NewResolver(fs afero.Fs, refs RefVerifier) *Resolver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Resolver{fs: fs, refs: refs}
}

// Classify decides what target refers to. Regular files win over git refs,
// so a file named like a branch is treated as a diff file.
func (r *Resolver) Classify(target string) Classification {
	if strings.TrimSpace(target) == "" {
		return invalid(fmt.Errorf("%w: no target given", ErrInvalidTarget))
	}

	if info, err := r.fs.Stat(target); err == nil && info.Mode().IsRegular() {
		return Classification{Valid: true, Kind: KindDiffFile}
	}

	if r.refs != nil {
		if err := r.refs.VerifyRef(target); err == nil {
			return Classification{Valid: true, Kind: KindGitRef}
		}
	}

	return invalid(fmt.Errorf("%w: %q is neither an existing diff file nor a valid git reference", ErrInvalidTarget, target))
}

func invalid(err error) Classification {
	return Classification{Valid: false, Kind: KindInvalid, Err: err}
}
