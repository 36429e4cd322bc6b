package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/depotfusion/internal/branchset"
	"github.com/rcowham/depotfusion/internal/depot"
	"github.com/rcowham/depotfusion/internal/gitobj"
	"github.com/rcowham/depotfusion/internal/labelconv"
	"github.com/rcowham/depotfusion/internal/metrics"
)

// Config bundles the run-time knobs this package consumes directly;
// cmd/depotfusion is responsible for turning flags into one of these.
type Config struct {
	DepotPath      string
	DefaultBranch  string
	Branches       []string // declared Git aliases, for resume and tag scanning
	LookAhead      int
	PrintBatchSize int
	MaxChanges     int // 0 or negative means unbounded
	FlushRate      int // log progress every N committed changelists; 0 or 1 means every one
	NoMerge        bool
	UpdateTags     bool
	LabelCachePath string
	NormalizeLabel func(string) string
	Logger         *logrus.Logger
	Metrics        *metrics.Registry
}

// Run drives one full conversion to completion: it resumes from any
// prior run's marker, lists the depot's pending changelists, seeds the
// look-ahead window, and drains them in order onto odb via a Committer.
// metaClient is used for the run-wide listing calls (Changes, Users,
// and, if cfg.UpdateTags, Labels); clients are the worker pool's
// per-worker connections.
func Run(ctx context.Context, cfg Config, clients []depot.Client, metaClient depot.Client, branchSet *branchset.BranchSet, odb gitobj.ObjectDatabase) error {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	branchSet.SetLogger(logger)

	users, err := metaClient.Users(ctx)
	if err != nil {
		return fmt.Errorf("engine: listing users: %w", err)
	}

	resumeBranches := cfg.Branches
	if len(resumeBranches) == 0 {
		resumeBranches = []string{cfg.DefaultBranch}
	}

	committer := NewCommitter(odb, cfg.DepotPath, cfg.DefaultBranch, cfg.NoMerge, users, logger, cfg.Metrics)
	lastCL, err := committer.Resume(ctx, resumeBranches)
	if err != nil {
		return err
	}
	if lastCL == 0 {
		if err := committer.SeedInitialCommit(); err != nil {
			return err
		}
	} else {
		logger.WithField("cl", lastCL).Info("engine: resuming after previously converted changelist")
	}

	fromCL := ""
	if lastCL > 0 {
		fromCL = strconv.Itoa(lastCL)
	}
	maxCount := cfg.MaxChanges
	if maxCount <= 0 {
		maxCount = -1
	}
	changes, err := metaClient.Changes(ctx, cfg.DepotPath, fromCL, maxCount)
	if err != nil {
		return fmt.Errorf("engine: listing changes: %w", err)
	}
	logger.WithField("count", len(changes)).Info("engine: changelists to convert")

	if len(changes) > 0 {
		if err := drain(ctx, cfg, clients, odb, branchSet, committer, changes); err != nil {
			return err
		}
	}

	if err := odb.Close(); err != nil {
		return fmt.Errorf("engine: closing object database: %w", err)
	}

	if cfg.UpdateTags {
		if err := labelconv.UpdateTags(ctx, metaClient, odb, cfg.DepotPath, resumeBranches, cfg.LabelCachePath, cfg.NormalizeLabel); err != nil {
			return fmt.Errorf("engine: updating tags: %w", err)
		}
	}
	return nil
}

// drain runs the bounded look-ahead pipeline, Scheduler feeding
// Committer: it seeds up to lookAhead tasks into the scheduler, then for
// each changelist in order waits for its ChangelistTask to become
// Ready, hands it to the Committer, and tops the window back up by one,
// keeping up to lookAhead changelists in flight.
func drain(ctx context.Context, cfg Config, clients []depot.Client, odb gitobj.ObjectDatabase, branchSet *branchset.BranchSet, committer *Committer, changes []depot.Changelist) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := NewScheduler(cancel, clients, odb, cfg.PrintBatchSize, committer.logger, cfg.Metrics)

	tasks := make([]*ChangelistTask, len(changes))
	for i, raw := range changes {
		tasks[i] = NewChangelistTask(FromDepotChangelist(raw), branchSet, cfg.PrintBatchSize, cfg.Metrics)
	}

	lookAhead := cfg.LookAhead
	if lookAhead <= 0 {
		lookAhead = 1
	}

	seeded := 0
	seedNext := func() {
		if seeded < len(tasks) {
			sched.Enqueue(runCtx, tasks[seeded])
			seeded++
		}
	}
	for seeded < lookAhead && seeded < len(tasks) {
		seedNext()
	}

	flushRate := cfg.FlushRate
	if flushRate <= 0 {
		flushRate = 1
	}

	var firstErr error
	for i, task := range tasks {
		if err := waitReady(runCtx, task); err != nil {
			firstErr = err
			break
		}
		if err := committer.Commit(runCtx, task.CL); err != nil {
			firstErr = err
			cancel()
			break
		}
		if (i+1)%flushRate == 0 {
			committer.logger.WithField("cl", task.CL.Number).Infof("engine: converted %d/%d changelists", i+1, len(tasks))
		}
		task.CL.Groups = nil // no longer needed once committed
		seedNext()
	}

	sched.StopAndWait()

	if firstErr == nil {
		select {
		case err := <-sched.Watch():
			firstErr = err
		default:
		}
	}
	return firstErr
}

// waitReady blocks on task becoming Ready, but also gives up the moment
// ctx is canceled (e.g. by another task's failure) rather than risking a
// hang on a task whose worker never got to signal it.
func waitReady(ctx context.Context, task *ChangelistTask) error {
	done := make(chan error, 1)
	go func() { done <- task.Ready() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
