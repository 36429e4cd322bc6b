// Package branchset implements the BranchSet classifier: it splits
// the flat file list of a changelist into per-target-branch commit groups,
// detecting cross-branch merges along the way. Grounded on
// original_source/p4-fusion/branch_set.h.
package branchset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/depotfusion/internal/model"
)

// Branch names a depot sub-path and the Git branch ("alias") it maps to.
type Branch struct {
	DepotSubPath string
	GitAlias     string
}

// ParseBranchSpec parses the "subPath" or "subPath:alias" grammar
// cmd/depotfusion's --branch flag accepts. If subPath itself contains
// ':', the alias form is required.
func ParseBranchSpec(spec string) (Branch, error) {
	idx := strings.LastIndex(spec, ":")
	if idx < 0 {
		if strings.Contains(spec, ":") {
			return Branch{}, fmt.Errorf("branchset: branch spec %q contains ':' and requires an explicit alias", spec)
		}
		return Branch{DepotSubPath: spec, GitAlias: spec}, nil
	}
	subPath, alias := spec[:idx], spec[idx+1:]
	if subPath == "" || alias == "" {
		return Branch{}, fmt.Errorf("branchset: malformed branch spec %q", spec)
	}
	return Branch{DepotSubPath: subPath, GitAlias: alias}, nil
}

// splitBranchPath matches relativeDepotPath (already stripped of
// basePath) against this branch's sub-path, returning (true, pathWithin)
// on a match.
func (b Branch) splitBranchPath(relativeDepotPath string) (string, bool) {
	sub := b.DepotSubPath
	if relativeDepotPath == sub {
		return "", true
	}
	if strings.HasPrefix(relativeDepotPath, sub+"/") {
		return relativeDepotPath[len(sub)+1:], true
	}
	return "", false
}

// BranchedFileGroup is one target branch's slice of a changelist. If
// HasSource is true, every file in Files is the target side of a merge
// from SourceBranch, and the committer uses SourceBranch's current HEAD
// as the commit's second parent.
type BranchedFileGroup struct {
	SourceBranch string
	TargetBranch string
	HasSource    bool
	Files        []*model.FileRecord
}

// ChangedFileGroups is the result of ParseAffectedFiles: an ordered,
// stable sequence of BranchedFileGroups plus the total survivor count.
type ChangedFileGroups struct {
	Groups         []BranchedFileGroup
	TotalFileCount int
}

// Empty returns a ChangedFileGroups with no groups, used as the initial
// value of a ChangeList before Prepare runs.
func Empty() *ChangedFileGroups {
	return &ChangedFileGroups{}
}

// BranchSet is immutable after construction: the client view, base path,
// declared branches, and includeBinaries flag that together determine
// which files survive into which commit group.
type BranchSet struct {
	basePath        string
	branches        []Branch
	view            *View
	includeBinaries bool
	logger          *logrus.Logger
}

// SetLogger points bs's duplicate-depot-file warnings at logger instead
// of the default standard logger. Safe to call with nil, which restores
// the default.
func (bs *BranchSet) SetLogger(logger *logrus.Logger) {
	bs.logger = logger
}

func (bs *BranchSet) log() *logrus.Logger {
	if bs.logger == nil {
		return logrus.StandardLogger()
	}
	return bs.logger
}

// New constructs a BranchSet. clientViewMapping is the raw client view
// (depot-pattern client-pattern lines); basePath is the depot path prefix
// under which all work happens; branchSpecs are "subPath" or
// "subPath:alias" strings. Any malformed entry is fatal.
func New(clientViewMapping []string, basePath string, branchSpecs []string, includeBinaries bool) (*BranchSet, error) {
	view, err := NewView(clientViewMapping)
	if err != nil {
		return nil, err
	}
	branches := make([]Branch, 0, len(branchSpecs))
	for _, spec := range branchSpecs {
		b, err := ParseBranchSpec(spec)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return &BranchSet{
		basePath:        strings.TrimSuffix(basePath, "/"),
		branches:        branches,
		view:            view,
		includeBinaries: includeBinaries,
	}, nil
}

// HasMergeableBranch reports whether any branches were declared — if not,
// ChangeList.Prepare can use the cheaper Describe call instead of FileLog,
// since there is no integration history to preserve.
func (bs *BranchSet) HasMergeableBranch() bool {
	return len(bs.branches) > 0
}

// Count reports the number of declared branches.
func (bs *BranchSet) Count() int {
	return len(bs.branches)
}

func (bs *BranchSet) stripBasePath(depotPath string) (string, bool) {
	prefix := bs.basePath + "/"
	if !strings.HasPrefix(depotPath, prefix) {
		return "", false
	}
	return depotPath[len(prefix):], true
}

// splitBranchPath extracts (branchAlias, pathWithinBranch) for an
// already-base-stripped relative depot path.
func (bs *BranchSet) splitBranchPath(relativeDepotPath string) (alias string, pathWithin string, ok bool) {
	if len(bs.branches) == 0 {
		return "", relativeDepotPath, true
	}
	for _, b := range bs.branches {
		if within, matched := b.splitBranchPath(relativeDepotPath); matched {
			return b.GitAlias, within, true
		}
	}
	return "", "", false
}

// ParseAffectedFiles classifies a changelist's flat file list into
// per-target-branch commit groups, applying view/binary/base-path
// filtering and merge-source sub-grouping.
func (bs *BranchSet) ParseAffectedFiles(files []*model.FileRecord) *ChangedFileGroups {
	byTarget := make(map[string][]*model.FileRecord)
	targetOrder := make([]string, 0, 4)

	// seenDepotFile tracks, per depot path, the record currently kept and
	// where (if anywhere) it was placed, so a later-arriving higher
	// revision of the same path can evict its loser from byTarget instead
	// of merely winning the "which one do we keep going forward" check.
	type seenEntry struct {
		record *model.FileRecord
		alias  string
		placed bool
	}
	seenDepotFile := make(map[string]seenEntry)

	for _, f := range files {
		// Step 1: view filtering.
		if !bs.view.Visible(f.DepotFile) {
			continue
		}
		// Step 2: binary filtering.
		if f.IsBinary && !bs.includeBinaries {
			continue
		}
		// Step 3: base-path stripping.
		rel, ok := bs.stripBasePath(f.DepotFile)
		if !ok {
			continue
		}

		// The same depot path appearing twice in one CL with different
		// actions is resolved by keeping the higher revision; the other
		// is dropped, evicting it from byTarget if it was already placed
		// there, with a logged warning.
		if prev, dup := seenDepotFile[f.DepotFile]; dup {
			if !keepHigherRevision(prev.record, f) {
				bs.log().WithFields(logrus.Fields{
					"depotFile": f.DepotFile,
					"kept":      prev.record.Revision,
					"dropped":   f.Revision,
				}).Warn("branchset: duplicate depot file in changelist, dropping lower revision")
				continue
			}
			bs.log().WithFields(logrus.Fields{
				"depotFile": f.DepotFile,
				"kept":      f.Revision,
				"dropped":   prev.record.Revision,
			}).Warn("branchset: duplicate depot file in changelist, dropping lower revision")
			if prev.placed {
				byTarget[prev.alias] = removeRecord(byTarget[prev.alias], prev.record)
			}
		}

		f.RelativePath = rel

		// Step 4: branch matching.
		alias, pathWithin, matched := bs.splitBranchPath(rel)
		if !matched {
			seenDepotFile[f.DepotFile] = seenEntry{record: f}
			continue
		}
		f.RelativePath = pathWithin

		if _, exists := byTarget[alias]; !exists {
			targetOrder = append(targetOrder, alias)
		}
		byTarget[alias] = append(byTarget[alias], f)
		seenDepotFile[f.DepotFile] = seenEntry{record: f, alias: alias, placed: true}
	}

	var groups []BranchedFileGroup
	total := 0
	sort.Strings(targetOrder) // stable order: empty alias sorts first

	for _, target := range targetOrder {
		targetFiles := byTarget[target]

		// Step 5: split integration-like files whose source maps to a
		// *different* branch alias into their own hasSource sub-group,
		// one per distinct source alias.
		bySource := make(map[string][]*model.FileRecord)
		sourceOrder := make([]string, 0, 2)
		var plain []*model.FileRecord

		for _, f := range targetFiles {
			if f.IsIntegrated && f.FromDepotFile != "" {
				fromRel, fromOK := bs.stripBasePath(f.FromDepotFile)
				if fromOK {
					fromAlias, _, fromMatched := bs.splitBranchPath(fromRel)
					if fromMatched && fromAlias != target {
						if _, exists := bySource[fromAlias]; !exists {
							sourceOrder = append(sourceOrder, fromAlias)
						}
						bySource[fromAlias] = append(bySource[fromAlias], f)
						continue
					}
				}
			}
			plain = append(plain, f)
		}

		sort.Strings(sourceOrder)
		for _, source := range sourceOrder {
			groups = append(groups, BranchedFileGroup{
				SourceBranch: source,
				TargetBranch: target,
				HasSource:    true,
				Files:        bySource[source],
			})
			total += len(bySource[source])
		}
		if len(plain) > 0 {
			groups = append(groups, BranchedFileGroup{
				TargetBranch: target,
				HasSource:    false,
				Files:        plain,
			})
			total += len(plain)
		}
	}

	return &ChangedFileGroups{Groups: groups, TotalFileCount: total}
}

// keepHigherRevision decides, for a duplicate depotFile within one CL,
// whether the new record f should replace prior. Returns true if f wins.
func keepHigherRevision(prior, f *model.FileRecord) bool {
	pr, fr := parseRevision(prior.Revision), parseRevision(f.Revision)
	if fr > pr {
		return true
	}
	return false
}

// removeRecord evicts loser from records, preserving the order of
// everything else. loser is always present exactly once, since it can
// only have been placed by this same function's caller.
func removeRecord(records []*model.FileRecord, loser *model.FileRecord) []*model.FileRecord {
	for i, r := range records {
		if r == loser {
			return append(records[:i], records[i+1:]...)
		}
	}
	return records
}

func parseRevision(rev string) int {
	n := 0
	for _, c := range rev {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}
