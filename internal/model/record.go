// Package model implements the shared per-file state: FileRecord
// carries depot identity and the eventual blob identifier; Arena is the
// backing store so duplicate handles of the same file (e.g. a file that
// lands in two BranchedFileGroups because an integrate targets two
// branches) share one BlobHandle and the content is downloaded once.
package model

import "strings"

// FileRecord is a depot file affected by a changelist, classified against
// the action table in action.go. Multiple *FileRecord handles (e.g. one
// per BranchedFileGroup it appears in) may alias the same underlying
// record. Apart from SetFromDepotFile and SetFakeIntegrationDeleteAction,
// which adjust a record while it is being built, RelativePath (written by
// BranchSet.ParseAffectedFiles) and Blob are the only fields mutated
// after construction.
type FileRecord struct {
	DepotFile string
	Revision  string

	FromDepotFile string // empty unless this is an integration-style action
	FromRevision  string

	IsBinary     bool
	IsExecutable bool

	Action Action

	// derived from Action at construction time, per the action table.
	IsIntegrated bool
	IsDeleted    bool

	// RelativePath is set by BranchSet.ParseAffectedFiles.
	RelativePath string

	Blob BlobHandle
}

// NewFileRecord constructs a FileRecord with its derived flags set from
// the raw action token, mirroring FileDataStore's constructor.
func NewFileRecord(depotFile, revision, actionToken, fileType string) *FileRecord {
	action := ClassifyAction(actionToken)
	isIntegrated, isDeleted := deriveFlags(action)
	return &FileRecord{
		DepotFile:    depotFile,
		Revision:     revision,
		IsBinary:     strings.Contains(fileType, "binary"),
		IsExecutable: strings.Contains(fileType, "+x"),
		Action:       action,
		IsIntegrated: isIntegrated,
		IsDeleted:    isDeleted,
	}
}

// SetFromDepotFile records the integration source, trimming a leading '#'
// from the revision exactly as FileData::SetFromDepotFile does.
func (r *FileRecord) SetFromDepotFile(fromDepotFile, fromRevision string) {
	r.FromDepotFile = fromDepotFile
	if len(fromRevision) > 0 && fromRevision[0] == '#' {
		fromRevision = fromRevision[1:]
	}
	r.FromRevision = fromRevision
}

// ClearContentsCache releases any resources the blob handle held for
// streaming this file's content; it keeps the
// record's identity and blob ID, only releasing the cache. In this
// implementation content is spooled straight to disk during download
// (never buffered in memory — see internal/gitobj), so there is nothing
// left to release; the call exists for the FileRecord API the committer
// is specified against, and so a future in-memory BlobHandle variant has
// a natural place to free its buffer.
func (r *FileRecord) ClearContentsCache() {}

// SetFakeIntegrationDeleteAction reclassifies this record as the synthetic
// IntegrateDelete action (the source side of an integration that deleted
// the target).
func (r *FileRecord) SetFakeIntegrationDeleteAction() {
	r.Action = IntegrateDelete
	r.IsIntegrated, r.IsDeleted = deriveFlags(IntegrateDelete)
}

// Arena owns a run's FileRecords. Handing out records from an arena (as
// opposed to one-off allocations) gives the backing slice a stable index
// per record (Add is not synchronized), while the records themselves
// remain ordinary *FileRecord pointers so existing Go aliasing rules give
// the "duplicating a handle doesn't duplicate the contents" sharing
// semantics for free.
type Arena struct {
	records []*FileRecord
}

// NewArena returns an empty Arena sized for an expected number of records.
func NewArena(capacityHint int) *Arena {
	return &Arena{records: make([]*FileRecord, 0, capacityHint)}
}

// Add registers a record with the arena and returns its index.
func (a *Arena) Add(r *FileRecord) int {
	a.records = append(a.records, r)
	return len(a.records) - 1
}

// At returns the record at the given arena index.
func (a *Arena) At(i int) *FileRecord {
	return a.records[i]
}

// Len reports how many records the arena holds.
func (a *Arena) Len() int {
	return len(a.records)
}

// All returns the arena's records in insertion order. The returned slice
// is owned by the arena and must not be mutated by the caller.
func (a *Arena) All() []*FileRecord {
	return a.records
}
