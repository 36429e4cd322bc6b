// Package gitobj implements the engine's object-database contract:
// streaming blob writes, index mutation, commit creation and ref
// updates. Grounded on rcowham/gitp4transfer's cmd/gitfilter, which
// drives github.com/rcowham/go-libgitfastimport's Backend.Do with the
// same command vocabulary (CmdBlob, CmdCommit, CmdCommitEnd,
// FileModify, FileDelete) used here, feeding a long-lived "git
// fast-import" subprocess instead of a file.
package gitobj

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Person is a commit's author or committer identity.
type Person struct {
	Name  string
	Email string
	When  time.Time
}

// BlobWriter streams one file's content into the object database. Close
// finalizes the blob and returns its content-addressed identifier.
type BlobWriter interface {
	io.Writer
	Close() (blobID string, err error)
}

// ObjectDatabase is the object-DB contract the committer depends on:
// WriteBlob, AddToIndex/RemoveFromIndex, Commit, UpdateRef, HeadOf.
type ObjectDatabase interface {
	// WriteBlob opens a streaming writer for one file's content. The
	// returned blobID is deterministic for identical content.
	WriteBlob(ctx context.Context) (BlobWriter, error)

	// AddToIndex stages relPath on branch to point at blobID, carrying
	// the executable bit, for the next Commit on that branch.
	AddToIndex(branch, relPath, blobID string, executable bool) error

	// RemoveFromIndex stages relPath's removal on branch for the next
	// Commit on that branch.
	RemoveFromIndex(branch, relPath string) error

	// Commit creates a commit from the branch's currently staged index
	// mutations, with the given ordered parents (first parent is the
	// target branch's prior HEAD), and returns its ID. The branch's
	// staged mutations are cleared on return.
	Commit(branch string, parents []string, author, committer Person, message string) (commitID string, err error)

	// UpdateRef advances branch's head to commitID.
	UpdateRef(branch, commitID string) error

	// HeadOf returns branch's current head, or ok=false if the branch
	// has never been committed to in this run or a prior one.
	HeadOf(branch string) (commitID string, ok bool)

	// SeedHead primes the in-memory head map for a branch that already
	// exists in the on-disk repository (resumability), without emitting
	// any fast-import commands.
	SeedHead(branch, commitID string)

	// CommitMessage returns the commit message at ref (a head commitID
	// or branch name), used by the resume scan to recover the marker.
	CommitMessage(ctx context.Context, ref string) (string, error)

	// FirstParentHistory returns ref's first-parent ancestor chain,
	// starting at ref itself and walking toward the root, skipping any
	// second-and-later merge parent at each step. Used by
	// internal/labelconv to match a label's pinned revision against any
	// commit a branch has ever pointed through, not only its current
	// head.
	FirstParentHistory(ctx context.Context, ref string) ([]string, error)

	// CreateTag points refs/tags/<name> at commitID, used by
	// internal/labelconv's label conversion. Unlike
	// UpdateRef (an in-memory bookkeeping update consulted during the
	// live commit loop), CreateTag writes a real on-disk ref and
	// requires commitID to already be a resolvable object (i.e. called
	// after Close, once fast-import marks have become real commits).
	CreateTag(ctx context.Context, name, commitID string) error

	// DeleteTag removes refs/tags/<name>, if present.
	DeleteTag(ctx context.Context, name string) error

	// ListTags returns the sanitized names (without the refs/tags/
	// prefix) of every tag currently on disk.
	ListTags(ctx context.Context) ([]string, error)

	// Close flushes pending fast-import commands, waits for the
	// subprocess to finish importing them, and resolves every head still
	// recorded as a mark to its real object ID so HeadOf/CommitMessage remain
	// valid afterward (needed by the post-run label/tag pass, §4.7/§4.8).
	Close() error
}

// ErrNoSuchRef is returned by CommitMessage when ref does not resolve in
// the on-disk repository.
type ErrNoSuchRef struct{ Ref string }

func (e ErrNoSuchRef) Error() string { return fmt.Sprintf("gitobj: no such ref %q", e.Ref) }
