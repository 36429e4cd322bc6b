package engine

import (
	"context"
	"crypto/sha1"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/depotfusion/internal/branchset"
	"github.com/rcowham/depotfusion/internal/depot"
	"github.com/rcowham/depotfusion/internal/gitobj"
	"github.com/rcowham/depotfusion/internal/model"
)

// fakeClient is a single-connection stand-in for depot.Client, driven
// entirely from an in-memory fixture built by the test.
type fakeClient struct {
	changes []depot.Changelist
	files   map[int][]*model.FileRecord // cl -> FileLog/Describe result
	content map[string]string           // "depotFile#rev" -> content
	view    []string
	users   map[string]depot.UserInfo

	mu         sync.Mutex
	printCalls int // number of Print invocations, for batching assertions
}

func (f *fakeClient) Changes(_ context.Context, _, fromCL string, _ int) ([]depot.Changelist, error) {
	if fromCL == "" {
		return f.changes, nil
	}
	var after int
	fmt.Sscanf(fromCL, "%d", &after)
	var out []depot.Changelist
	for _, c := range f.changes {
		if c.Number > after {
			out = append(out, c)
		}
	}
	return out, nil
}

func cloneFiles(recs []*model.FileRecord) []*model.FileRecord {
	out := make([]*model.FileRecord, len(recs))
	for i, r := range recs {
		out[i] = &model.FileRecord{
			DepotFile:     r.DepotFile,
			Revision:      r.Revision,
			FromDepotFile: r.FromDepotFile,
			FromRevision:  r.FromRevision,
			IsBinary:      r.IsBinary,
			IsExecutable:  r.IsExecutable,
			Action:        r.Action,
			IsIntegrated:  r.IsIntegrated,
			IsDeleted:     r.IsDeleted,
			RelativePath:  r.RelativePath,
		}
	}
	return out
}

func (f *fakeClient) Describe(_ context.Context, cl int) ([]*model.FileRecord, error) {
	return cloneFiles(f.files[cl]), nil
}

func (f *fakeClient) FileLog(_ context.Context, cl int) ([]*model.FileRecord, error) {
	return cloneFiles(f.files[cl]), nil
}

func (f *fakeClient) Users(_ context.Context) (map[string]depot.UserInfo, error) { return f.users, nil }

func (f *fakeClient) Info(_ context.Context) (depot.ServerInfo, error) { return depot.ServerInfo{}, nil }

func (f *fakeClient) Print(_ context.Context, specs []string, sink depot.StatSink) error {
	f.mu.Lock()
	f.printCalls++
	f.mu.Unlock()
	for _, spec := range specs {
		sink.OnStat()
		sink.OnOutput([]byte(f.content[spec]))
	}
	return nil
}

func (f *fakeClient) printCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.printCalls
}

func (f *fakeClient) ClientView(_ context.Context) ([]string, error) { return f.view, nil }
func (f *fakeClient) Labels(_ context.Context) ([]depot.LabelInfo, error) { return nil, nil }
func (f *fakeClient) Label(_ context.Context, name string) (depot.LabelInfo, error) {
	return depot.LabelInfo{}, fmt.Errorf("no such label %q", name)
}
func (f *fakeClient) Close() error { return nil }

var _ depot.Client = (*fakeClient)(nil)

// fakeODB is an in-memory gitobj.ObjectDatabase standing in for a real
// repository: commits are just sequential synthetic IDs, and blob IDs are
// content-hashed the same way git itself does, so two identical writes
// produce the same ID without shelling to git.
type fakeODB struct {
	mu      sync.Mutex
	nextID  int
	commits map[string]fakeCommit
	heads   map[string]string
	tags    map[string]string
	index   map[string]map[string]string // branch -> relPath -> blobID
	blobs   map[string][]byte
}

type fakeCommit struct {
	parents []string
	message string
	tree    map[string]string
}

func newFakeODB() *fakeODB {
	return &fakeODB{
		commits: make(map[string]fakeCommit),
		heads:   make(map[string]string),
		tags:    make(map[string]string),
		index:   make(map[string]map[string]string),
		blobs:   make(map[string][]byte),
	}
}

type fakeBlobWriter struct {
	odb *fakeODB
	buf []byte
}

func (w *fakeBlobWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *fakeBlobWriter) Close() (string, error) {
	sum := sha1.Sum(append([]byte(fmt.Sprintf("blob %d\x00", len(w.buf))), w.buf...))
	id := fmt.Sprintf("%x", sum)
	w.odb.mu.Lock()
	w.odb.blobs[id] = w.buf
	w.odb.mu.Unlock()
	return id, nil
}

func (o *fakeODB) WriteBlob(_ context.Context) (gitobj.BlobWriter, error) {
	return &fakeBlobWriter{odb: o}, nil
}

func (o *fakeODB) AddToIndex(branch, relPath, blobID string, _ bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.index[branch] == nil {
		o.index[branch] = make(map[string]string)
	}
	o.index[branch][relPath] = blobID
	return nil
}

func (o *fakeODB) RemoveFromIndex(branch, relPath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.index[branch], relPath)
	return nil
}

func (o *fakeODB) Commit(branch string, parents []string, _, _ gitobj.Person, message string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := fmt.Sprintf("c%d", o.nextID)
	tree := make(map[string]string, len(o.index[branch]))
	for k, v := range o.index[branch] {
		tree[k] = v
	}
	o.commits[id] = fakeCommit{parents: parents, message: message, tree: tree}
	o.heads[branch] = id
	return id, nil
}

func (o *fakeODB) UpdateRef(branch, commitID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heads[branch] = commitID
	return nil
}

func (o *fakeODB) HeadOf(branch string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.heads[branch]
	return id, ok
}

func (o *fakeODB) SeedHead(branch, commitID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.heads[branch] = commitID
}

func (o *fakeODB) CommitMessage(_ context.Context, ref string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.commits[ref]
	if !ok {
		return "", gitobj.ErrNoSuchRef{Ref: ref}
	}
	return c.message, nil
}

func (o *fakeODB) FirstParentHistory(_ context.Context, ref string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var history []string
	for {
		c, ok := o.commits[ref]
		if !ok {
			return nil, gitobj.ErrNoSuchRef{Ref: ref}
		}
		history = append(history, ref)
		if len(c.parents) == 0 || c.parents[0] == "" {
			return history, nil
		}
		ref = c.parents[0]
	}
}

func (o *fakeODB) CreateTag(_ context.Context, name, commitID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tags[name] = commitID
	return nil
}

func (o *fakeODB) DeleteTag(_ context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.tags, name)
	return nil
}

func (o *fakeODB) ListTags(_ context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var names []string
	for n := range o.tags {
		names = append(names, n)
	}
	return names, nil
}

func (o *fakeODB) Close() error { return nil }

var _ gitobj.ObjectDatabase = (*fakeODB)(nil)

func rec(depotFile, rev, action, fileType string) *model.FileRecord {
	return model.NewFileRecord(depotFile, rev, action, fileType)
}

// TestRunSingleBranchLinear covers the simplest scenario: no branches
// declared, a handful of CLs touching one area of the tree, all landing
// on defaultBranch in submission order with first-parent chains.
func TestRunSingleBranchLinear(t *testing.T) {
	client := &fakeClient{
		changes: []depot.Changelist{
			{Number: 1, User: "alice", Description: "add a", Timestamp: time.Unix(1000, 0)},
			{Number: 2, User: "bob", Description: "edit a", Timestamp: time.Unix(2000, 0)},
		},
		files: map[int][]*model.FileRecord{
			1: {rec("//depot/main/a.txt", "1", "add", "text")},
			2: {rec("//depot/main/a.txt", "2", "edit", "text")},
		},
		content: map[string]string{
			"//depot/main/a.txt#1": "hello",
			"//depot/main/a.txt#2": "hello world",
		},
		view:  []string{"//depot/main/... //client/main/..."},
		users: map[string]depot.UserInfo{"alice": {FullName: "Alice", Email: "alice@example.com"}},
	}

	bs, err := branchset.New(client.view, "//depot/main", nil, false)
	require.NoError(t, err)

	odb := newFakeODB()
	cfg := Config{
		DepotPath:      "//depot/main",
		DefaultBranch:  "main",
		LookAhead:      2,
		PrintBatchSize: 10,
	}

	err = Run(context.Background(), cfg, []depot.Client{client}, client, bs, odb)
	require.NoError(t, err)

	head, ok := odb.HeadOf("main")
	require.True(t, ok)
	commit := odb.commits[head]
	assert.Contains(t, commit.message, "change = 2")
	assert.Len(t, commit.parents, 1)
	assert.NotEmpty(t, commit.parents[0])

	blobID, ok := commit.tree["a.txt"]
	require.True(t, ok)
	assert.Equal(t, "hello world", string(odb.blobs[blobID]))
}

// TestRunResumesFromMarker covers resumability: a second Run against a
// repository that already has a converted CL only processes what's new.
func TestRunResumesFromMarker(t *testing.T) {
	client := &fakeClient{
		changes: []depot.Changelist{
			{Number: 1, User: "alice", Description: "add a", Timestamp: time.Unix(1000, 0)},
			{Number: 2, User: "alice", Description: "add b", Timestamp: time.Unix(2000, 0)},
		},
		files: map[int][]*model.FileRecord{
			1: {rec("//depot/main/a.txt", "1", "add", "text")},
			2: {rec("//depot/main/b.txt", "1", "add", "text")},
		},
		content: map[string]string{
			"//depot/main/a.txt#1": "a",
			"//depot/main/b.txt#1": "b",
		},
		view:  []string{"//depot/main/... //client/main/..."},
		users: map[string]depot.UserInfo{},
	}
	bs, err := branchset.New(client.view, "//depot/main", nil, false)
	require.NoError(t, err)

	odb := newFakeODB()
	cfg := Config{DepotPath: "//depot/main", DefaultBranch: "main", LookAhead: 2, PrintBatchSize: 10}

	require.NoError(t, Run(context.Background(), cfg, []depot.Client{client}, client, bs, odb))
	firstHead, _ := odb.HeadOf("main")
	assert.Contains(t, odb.commits[firstHead].message, "change = 2")

	// A second Run should see nothing but CL 1 and 2 already converted,
	// via the resume marker on main's head, and do nothing further.
	require.NoError(t, Run(context.Background(), cfg, []depot.Client{client}, client, bs, odb))
	secondHead, _ := odb.HeadOf("main")
	assert.Equal(t, firstHead, secondHead)
}

// TestRunCrossBranchMerge covers a cross-branch integrate scenario: a
// declared "dev" branch receives an add, then an integrate into "main"
// produces a two-parent commit.
func TestRunCrossBranchMerge(t *testing.T) {
	client := &fakeClient{
		changes: []depot.Changelist{
			{Number: 1, User: "alice", Description: "seed dev", Timestamp: time.Unix(1000, 0)},
			{Number: 2, User: "alice", Description: "seed main", Timestamp: time.Unix(1001, 0)},
			{Number: 3, User: "alice", Description: "integrate dev to main", Timestamp: time.Unix(2000, 0)},
		},
		files: map[int][]*model.FileRecord{
			1: {rec("//depot/proj/dev/a.txt", "1", "add", "text")},
			2: {rec("//depot/proj/main/a.txt", "1", "add", "text")},
			3: integrateRecord(),
		},
		content: map[string]string{
			"//depot/proj/dev/a.txt#1":  "dev content",
			"//depot/proj/main/a.txt#1": "main content",
			"//depot/proj/main/a.txt#2": "dev content",
		},
		view:  []string{"//depot/proj/... //client/proj/..."},
		users: map[string]depot.UserInfo{},
	}
	bs, err := branchset.New(client.view, "//depot/proj", []string{"dev", "main"}, false)
	require.NoError(t, err)

	odb := newFakeODB()
	cfg := Config{DepotPath: "//depot/proj", DefaultBranch: "main", Branches: []string{"dev", "main"}, LookAhead: 3, PrintBatchSize: 10}
	require.NoError(t, Run(context.Background(), cfg, []depot.Client{client}, client, bs, odb))

	mainHead, ok := odb.HeadOf("main")
	require.True(t, ok)
	mergeCommit := odb.commits[mainHead]
	assert.Len(t, mergeCommit.parents, 2, "integrate-across-branches must produce a merge commit")
}

func integrateRecord() []*model.FileRecord {
	f := rec("//depot/proj/main/a.txt", "2", "integrate", "text")
	f.SetFromDepotFile("//depot/proj/dev/a.txt", "#1")
	return []*model.FileRecord{f}
}

// TestRunNoMergeProducesSingleParentCommit covers the same cross-branch
// integrate scenario as TestRunCrossBranchMerge, but with NoMerge set:
// the integration must still land on main, just without the second
// parent that would otherwise record the merge.
func TestRunNoMergeProducesSingleParentCommit(t *testing.T) {
	client := &fakeClient{
		changes: []depot.Changelist{
			{Number: 1, User: "alice", Description: "seed dev", Timestamp: time.Unix(1000, 0)},
			{Number: 2, User: "alice", Description: "seed main", Timestamp: time.Unix(1001, 0)},
			{Number: 3, User: "alice", Description: "integrate dev to main", Timestamp: time.Unix(2000, 0)},
		},
		files: map[int][]*model.FileRecord{
			1: {rec("//depot/proj/dev/a.txt", "1", "add", "text")},
			2: {rec("//depot/proj/main/a.txt", "1", "add", "text")},
			3: integrateRecord(),
		},
		content: map[string]string{
			"//depot/proj/dev/a.txt#1":  "dev content",
			"//depot/proj/main/a.txt#1": "main content",
			"//depot/proj/main/a.txt#2": "dev content",
		},
		view:  []string{"//depot/proj/... //client/proj/..."},
		users: map[string]depot.UserInfo{},
	}
	bs, err := branchset.New(client.view, "//depot/proj", []string{"dev", "main"}, false)
	require.NoError(t, err)

	odb := newFakeODB()
	cfg := Config{
		DepotPath: "//depot/proj", DefaultBranch: "main", Branches: []string{"dev", "main"},
		LookAhead: 3, PrintBatchSize: 10, NoMerge: true,
	}
	require.NoError(t, Run(context.Background(), cfg, []depot.Client{client}, client, bs, odb))

	mainHead, ok := odb.HeadOf("main")
	require.True(t, ok)
	commit := odb.commits[mainHead]
	assert.Len(t, commit.parents, 1, "NoMerge must not add the source branch as a second parent")
}

// TestRunMovePairCollapsesIntoOneCommit covers a move/add + move/delete
// pair within the same changelist: the delete of the old path and the
// add of the new path must both land in the one commit that CL produces.
func TestRunMovePairCollapsesIntoOneCommit(t *testing.T) {
	moveDelete := rec("//depot/main/old.txt", "2", "move/delete", "text")
	moveAdd := rec("//depot/main/new.txt", "1", "move/add", "text")
	moveAdd.SetFromDepotFile("//depot/main/old.txt", "#1")

	client := &fakeClient{
		changes: []depot.Changelist{
			{Number: 1, User: "alice", Description: "add old", Timestamp: time.Unix(1000, 0)},
			{Number: 2, User: "alice", Description: "rename old to new", Timestamp: time.Unix(2000, 0)},
		},
		files: map[int][]*model.FileRecord{
			1: {rec("//depot/main/old.txt", "1", "add", "text")},
			2: {moveDelete, moveAdd},
		},
		content: map[string]string{
			"//depot/main/old.txt#1": "content",
			"//depot/main/new.txt#1": "content",
		},
		view:  []string{"//depot/main/... //client/main/..."},
		users: map[string]depot.UserInfo{},
	}

	bs, err := branchset.New(client.view, "//depot/main", nil, false)
	require.NoError(t, err)

	odb := newFakeODB()
	cfg := Config{DepotPath: "//depot/main", DefaultBranch: "main", LookAhead: 2, PrintBatchSize: 10}
	require.NoError(t, Run(context.Background(), cfg, []depot.Client{client}, client, bs, odb))

	head, ok := odb.HeadOf("main")
	require.True(t, ok)
	commit := odb.commits[head]
	assert.Contains(t, commit.message, "change = 2")
	assert.Len(t, commit.parents, 1, "a move pair must not split across two commits")

	_, stillHasOld := commit.tree["old.txt"]
	assert.False(t, stillHasOld, "move/delete must remove the old path from the same commit's tree")

	blobID, ok := commit.tree["new.txt"]
	require.True(t, ok, "move/add must place the new path in the same commit's tree")
	assert.Equal(t, "content", string(odb.blobs[blobID]))
}

// TestRunBatchedPrintIssuesOneCallPerBatch covers §4's batching
// requirement directly: with PrintBatchSize 2 and 4 distinct blobs to
// fetch, exactly 2 "print" calls must be issued, not one per file.
func TestRunBatchedPrintIssuesOneCallPerBatch(t *testing.T) {
	client := &fakeClient{
		changes: []depot.Changelist{
			{Number: 1, User: "alice", Description: "add four files", Timestamp: time.Unix(1000, 0)},
		},
		files: map[int][]*model.FileRecord{
			1: {
				rec("//depot/main/a.txt", "1", "add", "text"),
				rec("//depot/main/b.txt", "1", "add", "text"),
				rec("//depot/main/c.txt", "1", "add", "text"),
				rec("//depot/main/d.txt", "1", "add", "text"),
			},
		},
		content: map[string]string{
			"//depot/main/a.txt#1": "a content",
			"//depot/main/b.txt#1": "b content",
			"//depot/main/c.txt#1": "c content",
			"//depot/main/d.txt#1": "d content",
		},
		view:  []string{"//depot/main/... //client/main/..."},
		users: map[string]depot.UserInfo{},
	}

	bs, err := branchset.New(client.view, "//depot/main", nil, false)
	require.NoError(t, err)

	odb := newFakeODB()
	cfg := Config{DepotPath: "//depot/main", DefaultBranch: "main", LookAhead: 1, PrintBatchSize: 2}
	require.NoError(t, Run(context.Background(), cfg, []depot.Client{client}, client, bs, odb))

	assert.Equal(t, 2, client.printCallCount(), "4 files batched 2 at a time must issue exactly 2 print calls")

	head, ok := odb.HeadOf("main")
	require.True(t, ok)
	commit := odb.commits[head]
	assert.Len(t, commit.tree, 4)
}
