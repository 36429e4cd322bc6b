package gitobj

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	libfastimport "github.com/rcowham/go-libgitfastimport"
	"github.com/sirupsen/logrus"
)

// indexOp is one staged index mutation awaiting its branch's next Commit.
type indexOp struct {
	remove     bool
	relPath    string
	blobID     string // unused when remove
	executable bool
}

// gitModeRegular and gitModeExecutable are the two blob modes the engine
// ever stages; symlinks and submodules never appear in a depot tree.
const (
	gitModeRegular    = libfastimport.Mode(0100644)
	gitModeExecutable = libfastimport.Mode(0100755)
)

// FastImportDB implements ObjectDatabase by driving a long-lived "git
// fast-import" subprocess through github.com/rcowham/go-libgitfastimport's
// Backend: every blob, commit, file modification and deletion is built as
// one of its command structs (CmdBlob, CmdCommit, CmdCommitEnd,
// FileModify, FileDelete) and handed to backend.Do, the same vocabulary
// rcowham/gitp4transfer's own cmd/gitfilter uses on the Backend's write
// side. Only the closing "done" sentinel bypasses it, since that is
// fast-import's own stream-termination signal rather than a command
// Backend models.
type FastImportDB struct {
	repoDir   string
	marksFile string
	logger    *logrus.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	w       *bufio.Writer
	backend *libfastimport.Backend
	stdinM  sync.Mutex

	store *blobStore

	mark int64 // atomic, next free mark number

	mu        sync.Mutex
	blobMarks map[string]string    // blobID -> ":N"
	pending   map[string][]indexOp // branch -> staged ops
	heads     map[string]string    // branch -> current head (sha once resolved, mark while live)
}

// Options configures a FastImportDB.
type Options struct {
	RepoDir     string
	FsyncEnable bool
	Logger      *logrus.Logger
}

// Open creates repoDir as a git repository if it does not already exist
// and starts a "git fast-import" subprocess feeding it.
func Open(ctx context.Context, opts Options) (*FastImportDB, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if _, err := os.Stat(filepath.Join(opts.RepoDir, ".git")); err != nil {
		if err := exec.CommandContext(ctx, "git", "init", opts.RepoDir).Run(); err != nil {
			return nil, fmt.Errorf("gitobj: git init %s: %w", opts.RepoDir, err)
		}
	}

	store, err := newBlobStore(filepath.Join(opts.RepoDir, ".git", "depotfusion-staging"))
	if err != nil {
		return nil, err
	}

	marksFile := filepath.Join(opts.RepoDir, ".git", "depotfusion-marks")

	args := []string{"-C", opts.RepoDir}
	if !opts.FsyncEnable {
		args = append(args, "-c", "core.fsyncObjectFiles=false")
	} else {
		args = append(args, "-c", "core.fsyncObjectFiles=true")
	}
	args = append(args, "fast-import", "--quiet", "--done", "--export-marks="+marksFile)

	cmd := exec.CommandContext(ctx, "git", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("gitobj: stdin pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("gitobj: starting git fast-import: %w", err)
	}

	w := bufio.NewWriterSize(stdin, 256*1024)
	db := &FastImportDB{
		repoDir:   opts.RepoDir,
		marksFile: marksFile,
		logger:    opts.Logger,
		cmd:       cmd,
		stdin:     stdin,
		w:         w,
		backend:   libfastimport.NewBackend(stdin, nil, nil),
		store:     store,
		mark:      0,
		blobMarks: make(map[string]string),
		pending:   make(map[string][]indexOp),
		heads:     make(map[string]string),
	}
	return db, nil
}

func (db *FastImportDB) nextMark() int64 {
	return atomic.AddInt64(&db.mark, 1)
}

func markRef(n int64) string {
	return ":" + strconv.FormatInt(n, 10)
}

func (db *FastImportDB) WriteBlob(ctx context.Context) (BlobWriter, error) {
	sw, err := db.store.newWriter()
	if err != nil {
		return nil, err
	}
	return sw, nil
}

// emitBlob hands blobID's content to the Backend as a CmdBlob if it has
// not already been emitted, returning its mark reference.
func (db *FastImportDB) emitBlob(blobID string) (string, error) {
	db.stdinM.Lock()
	defer db.stdinM.Unlock()
	return db.emitBlobLocked(blobID)
}

// emitBlobLocked is emitBlob without acquiring stdinM itself, for use from
// within Commit, which already holds it for the whole commit sequence.
func (db *FastImportDB) emitBlobLocked(blobID string) (string, error) {
	db.mu.Lock()
	if ref, ok := db.blobMarks[blobID]; ok {
		db.mu.Unlock()
		return ref, nil
	}
	n := db.nextMark()
	ref := markRef(n)
	db.blobMarks[blobID] = ref
	db.mu.Unlock()

	f, _, err := db.store.open(blobID)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("gitobj: reading blob %s: %w", blobID, err)
	}

	db.backend.Do(libfastimport.CmdBlob{Mark: int(n), Data: string(data)})
	return ref, nil
}

func (db *FastImportDB) AddToIndex(branch, relPath, blobID string, executable bool) error {
	if _, err := db.emitBlob(blobID); err != nil {
		return err
	}
	db.mu.Lock()
	db.pending[branch] = append(db.pending[branch], indexOp{relPath: relPath, blobID: blobID, executable: executable})
	db.mu.Unlock()
	return nil
}

func (db *FastImportDB) RemoveFromIndex(branch, relPath string) error {
	db.mu.Lock()
	db.pending[branch] = append(db.pending[branch], indexOp{remove: true, relPath: relPath})
	db.mu.Unlock()
	return nil
}

func (db *FastImportDB) Commit(branch string, parents []string, author, committer Person, message string) (string, error) {
	db.mu.Lock()
	ops := db.pending[branch]
	delete(db.pending, branch)
	db.mu.Unlock()

	n := db.nextMark()
	ref := markRef(n)

	db.stdinM.Lock()
	defer db.stdinM.Unlock()

	cmt := libfastimport.CmdCommit{
		Ref:       "refs/heads/" + branch,
		Mark:      int(n),
		Author:    &libfastimport.Ident{Name: author.Name, Email: author.Email, Time: author.When},
		Committer: libfastimport.Ident{Name: committer.Name, Email: committer.Email, Time: committer.When},
		Msg:       message,
	}
	if len(parents) > 0 && parents[0] != "" {
		cmt.From = parents[0]
	}
	if len(parents) > 1 {
		for _, p := range parents[1:] {
			if p == "" {
				continue
			}
			cmt.Merge = append(cmt.Merge, p)
		}
	}
	db.backend.Do(cmt)

	for _, op := range ops {
		if op.remove {
			db.backend.Do(libfastimport.FileDelete{Path: libfastimport.Path(op.relPath)})
			continue
		}
		blobRef, err := db.emitBlobLocked(op.blobID)
		if err != nil {
			return "", err
		}
		mode := gitModeRegular
		if op.executable {
			mode = gitModeExecutable
		}
		db.backend.Do(libfastimport.FileModify{Path: libfastimport.Path(op.relPath), Mode: mode, DataRef: blobRef})
	}
	db.backend.Do(libfastimport.CmdCommitEnd{})

	if err := db.w.Flush(); err != nil {
		return "", fmt.Errorf("gitobj: flushing commit %s: %w", branch, err)
	}
	return ref, nil
}

func (db *FastImportDB) UpdateRef(branch, commitID string) error {
	db.mu.Lock()
	db.heads[branch] = commitID
	db.mu.Unlock()
	return nil
}

func (db *FastImportDB) HeadOf(branch string) (string, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id, ok := db.heads[branch]
	return id, ok
}

func (db *FastImportDB) SeedHead(branch, commitID string) {
	db.mu.Lock()
	db.heads[branch] = commitID
	db.mu.Unlock()
}

func (db *FastImportDB) CommitMessage(ctx context.Context, ref string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", db.repoDir, "show", "-s", "--format=%B", ref).Output()
	if err != nil {
		return "", ErrNoSuchRef{Ref: ref}
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// FirstParentHistory lists ref's first-parent ancestor chain, ref first,
// via "git log --first-parent".
func (db *FastImportDB) FirstParentHistory(ctx context.Context, ref string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", db.repoDir, "log", "--first-parent", "--format=%H", ref).Output()
	if err != nil {
		return nil, ErrNoSuchRef{Ref: ref}
	}
	var commits []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			commits = append(commits, line)
		}
	}
	return commits, nil
}

func (db *FastImportDB) Close() error {
	db.stdinM.Lock()
	db.w.WriteString("done\n")
	err := db.w.Flush()
	db.stdinM.Unlock()
	if err != nil {
		db.stdin.Close()
		db.cmd.Wait()
		return fmt.Errorf("gitobj: flushing done: %w", err)
	}
	if err := db.stdin.Close(); err != nil {
		db.logger.WithError(err).Warn("gitobj: closing fast-import stdin")
	}
	if err := db.cmd.Wait(); err != nil {
		return fmt.Errorf("gitobj: git fast-import: %w", err)
	}
	return db.resolveMarks()
}

// resolveMarks reads the --export-marks file git fast-import wrote on
// exit and rewrites any head still recorded as a bare mark (":N") into
// its real object ID, so HeadOf/CommitMessage keep working for callers
// (notably the post-run label/tag pass) that run after this process has
// exited and the marks table with it.
func (db *FastImportDB) resolveMarks() error {
	f, err := os.Open(db.marksFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no marks were ever created (e.g. empty run)
		}
		return fmt.Errorf("gitobj: reading marks file: %w", err)
	}
	defer f.Close()

	resolved := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		resolved[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("gitobj: parsing marks file: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for branch, head := range db.heads {
		if sha, ok := resolved[head]; ok {
			db.heads[branch] = sha
		}
	}
	return nil
}

// CreateTag writes refs/tags/<name> pointing at commitID via "git
// update-ref", since this is always called post-Close (commitID must
// already be a real, resolvable object by then, so there is no fast-import
// command for it — Backend's write side only ever runs before Close).
func (db *FastImportDB) CreateTag(ctx context.Context, name, commitID string) error {
	ref := "refs/tags/" + name
	if err := exec.CommandContext(ctx, "git", "-C", db.repoDir, "update-ref", ref, commitID).Run(); err != nil {
		return fmt.Errorf("gitobj: creating tag %s: %w", ref, err)
	}
	return nil
}

// DeleteTag removes refs/tags/<name>, if present; deleting a ref that
// does not exist is not an error.
func (db *FastImportDB) DeleteTag(ctx context.Context, name string) error {
	ref := "refs/tags/" + name
	if err := exec.CommandContext(ctx, "git", "-C", db.repoDir, "update-ref", "-d", ref).Run(); err != nil {
		return fmt.Errorf("gitobj: deleting tag %s: %w", ref, err)
	}
	return nil
}

// ListTags returns every tag currently on disk, without the refs/tags/
// prefix.
func (db *FastImportDB) ListTags(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", db.repoDir, "for-each-ref", "--format=%(refname:short)", "refs/tags/").Output()
	if err != nil {
		return nil, fmt.Errorf("gitobj: listing tags: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
