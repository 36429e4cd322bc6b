// Package depot defines the engine's view of the depot protocol client
// (an external collaborator the engine treats as a black box) and a
// CLI-shelling implementation of it. Grounded on
// original_source/p4-fusion/p4_api.cc
// for the call shapes and retry/refresh policy, and on the
// os/exec-wrapping idiom of other_examples/dougsong-reposurgeon's
// captureFromProcess/Extractor pattern for external-VCS-tool clients.
package depot

import (
	"context"
	"time"

	"github.com/rcowham/depotfusion/internal/model"
)

// Changelist is the lightweight metadata the engine needs before it has
// parsed any file list; FileRecords arrive separately from Describe/FileLog.
type Changelist struct {
	Number      int
	User        string
	Description string
	Timestamp   time.Time
}

// UserInfo is a depot account's display identity.
type UserInfo struct {
	FullName string
	Email    string
}

// ServerInfo carries the handful of server facts the engine needs.
type ServerInfo struct {
	ServerTimezoneMinutes int
}

// LabelInfo describes a depot label, as needed by internal/labelconv.
type LabelInfo struct {
	Name        string
	Revision    string
	Description string
	Update      time.Time
	View        []string
}

// StatSink receives the interleaved stat/output stream a Print call
// produces. OnStat signals "the next file begins"; OnOutput delivers
// one chunk of the current file's content.
type StatSink interface {
	OnStat()
	OnOutput(chunk []byte)
}

// Client is the depot protocol client contract consumed by the engine.
// Implementations own their own connection and must be safe for use by
// exactly one worker goroutine at a time — the engine never shares a
// Client across workers.
type Client interface {
	// Changes lists submitted changelists under path, strictly after
	// fromCL (empty for "from the beginning"), oldest first. maxCount<0
	// means unbounded.
	Changes(ctx context.Context, path, fromCL string, maxCount int) ([]Changelist, error)

	// Describe returns the lightweight file list for cl: no integration
	// source data, cheaper than FileLog.
	Describe(ctx context.Context, cl int) ([]*model.FileRecord, error)

	// FileLog returns the file list for cl with FromDepotFile/FromRevision
	// populated for integration-like actions.
	FileLog(ctx context.Context, cl int) ([]*model.FileRecord, error)

	// Users returns the full user map, keyed by depot user id.
	Users(ctx context.Context) (map[string]UserInfo, error)

	// Info returns server facts.
	Info(ctx context.Context) (ServerInfo, error)

	// Print streams the contents of the given "depotFile#revision" specs,
	// in order, into sink. The implementation must not reorder the batch.
	Print(ctx context.Context, revisionSpecs []string, sink StatSink) error

	// ClientView returns the configured client's view mapping lines.
	ClientView(ctx context.Context) ([]string, error)

	// Labels lists all depot labels visible to this connection.
	Labels(ctx context.Context) ([]LabelInfo, error)

	// Label returns a single label's metadata.
	Label(ctx context.Context, name string) (LabelInfo, error)

	// Close releases the underlying connection. Idempotent.
	Close() error
}
