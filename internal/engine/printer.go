package engine

import (
	"context"
	"fmt"

	"github.com/rcowham/depotfusion/internal/depot"
	"github.com/rcowham/depotfusion/internal/depotpath"
	"github.com/rcowham/depotfusion/internal/gitobj"
	"github.com/rcowham/depotfusion/internal/metrics"
	"github.com/rcowham/depotfusion/internal/model"
)

// batchedPrinter drives one "print" call's interleaved stat/output
// stream into the object database, maintaining a cursor into the batch:
// on the first stat it opens a writer for batch[0]; on every later stat
// it finalizes the current record and opens the next; output bytes go
// to whichever writer is currently open; stream end finalizes whatever
// is still open.
type batchedPrinter struct {
	ctx     context.Context
	odb     gitobj.ObjectDatabase
	batch   []*model.FileRecord
	cursor  int
	metrics *metrics.Registry

	started bool
	writer  gitobj.BlobWriter
	err     error
}

func newBatchedPrinter(ctx context.Context, odb gitobj.ObjectDatabase, batch []*model.FileRecord, reg *metrics.Registry) *batchedPrinter {
	return &batchedPrinter{ctx: ctx, odb: odb, batch: batch, metrics: reg}
}

// OnStat implements depot.StatSink.
func (p *batchedPrinter) OnStat() {
	if p.err != nil {
		return
	}
	if p.started {
		p.finalizeCurrent()
	}
	p.started = true
	p.openCurrent()
}

// OnOutput implements depot.StatSink.
func (p *batchedPrinter) OnOutput(chunk []byte) {
	if p.err != nil || p.writer == nil {
		return
	}
	if _, err := p.writer.Write(chunk); err != nil {
		p.err = fmt.Errorf("engine: writing blob content: %w", err)
	}
}

func (p *batchedPrinter) openCurrent() {
	if p.cursor >= len(p.batch) {
		p.err = fmt.Errorf("engine: print stream reported more stats than batched files (%d)", len(p.batch))
		return
	}
	w, err := p.odb.WriteBlob(p.ctx)
	if err != nil {
		p.err = fmt.Errorf("engine: opening blob writer: %w", err)
		return
	}
	p.writer = w
}

func (p *batchedPrinter) finalizeCurrent() {
	if p.writer == nil {
		return
	}
	id, err := p.writer.Close()
	p.writer = nil
	if err != nil {
		p.err = fmt.Errorf("engine: finalizing blob: %w", err)
		return
	}
	p.batch[p.cursor].Blob.Finalize(id)
	p.cursor++
	if p.metrics != nil {
		p.metrics.FilesDownloaded.Inc()
		p.metrics.BlobsWritten.Inc()
	}
}

// finish finalizes whatever record is still open at stream end — the
// "scoped release" §9 calls mandatory — and returns the first error
// encountered, if any.
func (p *batchedPrinter) finish() error {
	if p.started {
		p.finalizeCurrent()
	}
	return p.err
}

var _ depot.StatSink = (*batchedPrinter)(nil)

// downloadBatch issues one "print" call for batch and streams its
// contents into odb, finalizing each record's blob in order.
func downloadBatch(ctx context.Context, client depot.Client, odb gitobj.ObjectDatabase, batch []*model.FileRecord, reg *metrics.Registry) error {
	specs := make([]string, len(batch))
	for i, f := range batch {
		specs[i] = fmt.Sprintf("%s#%s", depotpath.Encode(f.DepotFile), f.Revision)
	}
	p := newBatchedPrinter(ctx, odb, batch, reg)
	if err := client.Print(ctx, specs, p); err != nil {
		return fmt.Errorf("engine: print batch: %w", err)
	}
	return p.finish()
}
