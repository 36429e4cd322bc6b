package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/depotfusion/internal/branchset"
	"github.com/rcowham/depotfusion/internal/depot"
	"github.com/rcowham/depotfusion/internal/gitobj"
	"github.com/rcowham/depotfusion/internal/labelconv"
	"github.com/rcowham/depotfusion/internal/metrics"
)

// Committer is the single-threaded drain loop that mutates the
// index, creates commits with optional merge parents, and advances
// branches, in the stable per-CL group order BranchSet produces.
type Committer struct {
	odb           gitobj.ObjectDatabase
	depotPath     string
	defaultBranch string
	noMerge       bool
	users         map[string]depot.UserInfo
	logger        *logrus.Logger
	metrics       *metrics.Registry

	// pendingSourceAnchor records, for a source branch that has not yet
	// been committed to directly, the commit produced by the earliest
	// merge group that named it as a source — consulted by
	// ensureBranchRoot so that branch roots there instead of at the
	// synthetic initial commit.
	pendingSourceAnchor map[string]string

	initialCommit string // "" if never created (e.g. on a resumed run)
}

// NewCommitter builds a Committer writing onto odb. depotPath is the
// base depot path embedded in every commit's resume marker. defaultBranch
// names the Git branch a BranchedFileGroup with an empty TargetBranch
// commits to — BranchSet leaves the alias empty when no branches were
// declared, so this is the repository's only branch in that case.
func NewCommitter(odb gitobj.ObjectDatabase, depotPath, defaultBranch string, noMerge bool, users map[string]depot.UserInfo, logger *logrus.Logger, reg *metrics.Registry) *Committer {
	return &Committer{
		odb:                 odb,
		depotPath:           depotPath,
		defaultBranch:       defaultBranch,
		noMerge:             noMerge,
		users:               users,
		logger:              logger,
		metrics:             reg,
		pendingSourceAnchor: make(map[string]string),
	}
}

// SeedInitialCommit creates the repository's synthetic initial commit
// (an empty, parentless commit) that a never-seen branch roots at,
// absent an earlier merge-source anchor.
func (c *Committer) SeedInitialCommit() error {
	id, err := c.odb.Commit("depotfusion-root", nil,
		gitobj.Person{Name: "depotfusion", Email: "depotfusion@localhost"},
		gitobj.Person{Name: "depotfusion", Email: "depotfusion@localhost"},
		"depotfusion synthetic root commit")
	if err != nil {
		return fmt.Errorf("engine: seeding initial commit: %w", err)
	}
	c.initialCommit = id
	return nil
}

// Resume inspects each of the named branches' current HEAD for the
// resume marker and returns the highest CL number found across all of
// them, or 0 if none resolve (no prior run, or an unmarked repository).
func (c *Committer) Resume(ctx context.Context, branches []string) (int, error) {
	last := 0
	for _, branch := range branches {
		ref := "refs/heads/" + branch
		// A head the object database already tracks is read directly and
		// left as it is; only on-disk branches are seeded below.
		head, known := c.odb.HeadOf(branch)
		if known {
			ref = head
		}
		msg, err := c.odb.CommitMessage(ctx, ref)
		if err != nil {
			continue // branch has never been committed to
		}
		cl, err := labelconv.ParseCLFromMarker(msg)
		if err != nil {
			c.logger.WithField("branch", branch).Warn("engine: HEAD has no resume marker, treating branch as non-resumable")
			continue
		}
		// The ref name itself is a valid committish for every later use
		// (fast-import's "from"/"merge" and git's own rev-parse both
		// accept it), so it doubles as the seeded head value directly.
		if !known {
			c.odb.SeedHead(branch, ref)
		}
		if cl > last {
			last = cl
		}
	}
	return last, nil
}

// Commit processes one ready CL: for each group in stable order, it
// switches the active branch, mutates the index, and writes a commit
// with the marker and (for merge groups, if enabled) a second parent.
func (c *Committer) Commit(ctx context.Context, cl *ChangeList) error {
	author := c.resolveAuthor(cl.User, cl.Timestamp)

	for _, g := range cl.Groups.Groups {
		branch := c.branchName(g.TargetBranch)
		c.ensureBranchRoot(branch)

		for _, f := range g.Files {
			if f.IsDeleted {
				if err := c.odb.RemoveFromIndex(branch, f.RelativePath); err != nil {
					return fmt.Errorf("engine: CL %d: %w", cl.Number, err)
				}
				continue
			}
			if err := c.odb.AddToIndex(branch, f.RelativePath, f.Blob.ID(), f.IsExecutable); err != nil {
				return fmt.Errorf("engine: CL %d: %w", cl.Number, err)
			}
		}
		for _, f := range g.Files {
			f.ClearContentsCache()
		}

		parents := c.buildParents(g)
		message := cl.Description + "\n\n" + labelconv.BuildMarker(c.depotPath, cl.Number)
		commitID, err := c.odb.Commit(branch, parents, author, author, message)
		if err != nil {
			return fmt.Errorf("engine: CL %d: committing %s: %w", cl.Number, branch, err)
		}
		if err := c.odb.UpdateRef(branch, commitID); err != nil {
			return fmt.Errorf("engine: CL %d: %w", cl.Number, err)
		}
		c.recordAnchor(g, commitID)
	}
	if c.metrics != nil {
		c.metrics.ChangelistsCommitted.Inc()
	}
	return nil
}

// branchName resolves a BranchedFileGroup's possibly-empty alias to the
// Git branch it actually commits to.
func (c *Committer) branchName(alias string) string {
	if alias == "" {
		return c.defaultBranch
	}
	return alias
}

// ensureBranchRoot seeds branch's head, if it has none yet, at the
// synthetic initial commit or at an earlier merge-source anchor.
func (c *Committer) ensureBranchRoot(branch string) {
	if _, ok := c.odb.HeadOf(branch); ok {
		return
	}
	if anchor, ok := c.pendingSourceAnchor[branch]; ok {
		c.odb.SeedHead(branch, anchor)
		return
	}
	if c.initialCommit != "" {
		c.odb.SeedHead(branch, c.initialCommit)
	}
	// Otherwise: absent either, this branch starts an orphan line of
	// history (buildParents will find no head and omit "from").
}

// recordAnchor remembers this merge commit as the rooting point for
// sourceBranch, if sourceBranch has never itself been committed to.
func (c *Committer) recordAnchor(g branchset.BranchedFileGroup, commitID string) {
	if !g.HasSource {
		return
	}
	source := c.branchName(g.SourceBranch)
	if _, ok := c.odb.HeadOf(source); ok {
		return
	}
	if _, exists := c.pendingSourceAnchor[source]; !exists {
		c.pendingSourceAnchor[source] = commitID
	}
}

// buildParents returns the commit's parent set: the target
// branch's prior HEAD first (possibly absent, for a true orphan), then
// the source branch's current HEAD if this is a merge group and merges
// are enabled and the source itself already has a head.
func (c *Committer) buildParents(g branchset.BranchedFileGroup) []string {
	first, _ := c.odb.HeadOf(c.branchName(g.TargetBranch))
	parents := []string{first}
	if g.HasSource && !c.noMerge {
		if head, ok := c.odb.HeadOf(c.branchName(g.SourceBranch)); ok {
			parents = append(parents, head)
		}
	}
	return parents
}

// resolveAuthor looks up user in the depot's user map; a missing user
// is logged and synthesized, never fatal.
func (c *Committer) resolveAuthor(user string, when time.Time) gitobj.Person {
	p := gitobj.Person{Name: user, Email: "deleted@user", When: when}
	if info, ok := c.users[user]; ok && info.FullName != "" {
		p.Name, p.Email = info.FullName, info.Email
	} else {
		c.logger.WithField("user", user).Warn("engine: unknown depot user, synthesizing author")
	}
	return p
}
