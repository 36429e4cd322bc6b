package engine

import (
	"context"
	"fmt"

	"github.com/rcowham/depotfusion/internal/branchset"
	"github.com/rcowham/depotfusion/internal/depot"
	"github.com/rcowham/depotfusion/internal/gitobj"
	"github.com/rcowham/depotfusion/internal/metrics"
	"github.com/rcowham/depotfusion/internal/model"
)

// ChangelistTask is the two-phase per-CL unit of work. Prepare
// fetches and classifies the CL's file list; Download claims and
// streams the content of every file that needs it. A single worker runs
// both phases back to back: embedding Prepare in the same job as
// Download means the committer only ever waits on one barrier.
type ChangelistTask struct {
	CL *ChangeList

	branchSet      *branchset.BranchSet
	printBatchSize int
	metrics        *metrics.Registry

	prepared *latch
	ready    *latch
}

// NewChangelistTask constructs a task for cl against branchSet, batching
// downloads printBatchSize files at a time. reg may be nil.
func NewChangelistTask(cl *ChangeList, branchSet *branchset.BranchSet, printBatchSize int, reg *metrics.Registry) *ChangelistTask {
	return &ChangelistTask{
		CL:             cl,
		branchSet:      branchSet,
		printBatchSize: printBatchSize,
		metrics:        reg,
		prepared:       newLatch(),
		ready:          newLatch(),
	}
}

// Prepare fetches the CL's file list (filelog if any branches are
// declared, since only filelog carries integration sources; describe
// otherwise, since it is cheaper) and classifies it into ChangedFileGroups.
func (t *ChangelistTask) Prepare(ctx context.Context, client depot.Client) error {
	var files []*model.FileRecord
	var err error
	if t.branchSet.HasMergeableBranch() {
		files, err = client.FileLog(ctx, t.CL.Number)
	} else {
		files, err = client.Describe(ctx, t.CL.Number)
	}
	if err != nil {
		err = fmt.Errorf("engine: preparing CL %d: %w", t.CL.Number, err)
		t.prepared.Signal(err)
		return err
	}
	t.CL.Groups = t.branchSet.ParseAffectedFiles(files)
	t.prepared.Signal(nil)
	return nil
}

// Download waits for Prepare, then walks the CL's groups in order,
// claiming and batching every file that needs its content downloaded,
// flushing a batch to BatchedPrinter every printBatchSize files (and the
// tail batch at the end).
func (t *ChangelistTask) Download(ctx context.Context, client depot.Client, odb gitobj.ObjectDatabase) error {
	if err := t.prepared.Wait(); err != nil {
		t.ready.Signal(err)
		return err
	}

	batch := make([]*model.FileRecord, 0, t.printBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := downloadBatch(ctx, client, odb, batch, t.metrics); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for _, g := range t.CL.Groups.Groups {
		for _, f := range g.Files {
			if f.IsDeleted || !f.Blob.NeedsDownload() {
				continue
			}
			if !f.Blob.ClaimPending() {
				// Another reference to the same record (e.g. shared
				// across two groups within this CL) already claimed it.
				continue
			}
			batch = append(batch, f)
			if len(batch) >= t.printBatchSize {
				if err := flush(); err != nil {
					err = fmt.Errorf("engine: downloading CL %d: %w", t.CL.Number, err)
					t.ready.Signal(err)
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		err = fmt.Errorf("engine: downloading CL %d: %w", t.CL.Number, err)
		t.ready.Signal(err)
		return err
	}
	t.ready.Signal(nil)
	return nil
}

// Ready blocks until Download has signaled completion (or failure).
func (t *ChangelistTask) Ready() error {
	return t.ready.Wait()
}
