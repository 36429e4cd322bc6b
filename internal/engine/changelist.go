// Package engine implements the pipelined ingest engine: the two-phase
// ChangelistTask, the batchedPrinter, the worker pool and look-ahead
// Scheduler, and the single-threaded Committer. Grounded on
// original_source/p4-fusion/commands/change_list.cc, thread_pool.cc, and
// main.cc, following rcowham/gitp4transfer's own logrus/worker-pool
// idiom.
package engine

import (
	"time"

	"github.com/rcowham/depotfusion/internal/branchset"
	"github.com/rcowham/depotfusion/internal/depot"
)

// ChangeList is one changelist's state as it flows through the pipeline:
// immutable identity from the depot's "changes" listing, plus the
// Groups field Prepare fills in.
type ChangeList struct {
	Number      int
	User        string
	Description string
	Timestamp   time.Time

	// Groups is nil until Prepare completes.
	Groups *branchset.ChangedFileGroups
}

// FromDepotChangelist adapts the depot client's lightweight listing
// record into the engine's mutable ChangeList.
func FromDepotChangelist(cl depot.Changelist) *ChangeList {
	return &ChangeList{
		Number:      cl.Number,
		User:        cl.User,
		Description: cl.Description,
		Timestamp:   cl.Timestamp,
	}
}
