package depot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/depotfusion/internal/depotpath"
	"github.com/rcowham/depotfusion/internal/model"
)

// Options configures a cliClient. Field names mirror cmd/depotfusion's
// CLI flags.
type Options struct {
	Port    string
	User    string
	Client  string
	Retries int           // CommandRetries in p4_api.cc; 0 disables retry
	Refresh int           // CommandRefreshThreshold: reconnect after this many calls
	Backoff time.Duration // fixed retry backoff; defaults to 5s
}

// cliClient shells out to the real p4 binary. There is no Perforce
// protocol client library in Go available to this module, so the engine
// drives the vendor CLI directly with "-ztag" scripting output, the same
// approach reposurgeon's Extractor implementations use for git/hg/svn/etc.
type cliClient struct {
	opts Options

	usage int // calls issued since last (re)connect, mirrors P4API::m_Usage
}

// NewCLIClient constructs a Client backed by the p4 binary found on PATH.
func NewCLIClient(opts Options) Client {
	if opts.Backoff == 0 {
		opts.Backoff = 5 * time.Second
	}
	return &cliClient{opts: opts}
}

func (c *cliClient) baseArgs() []string {
	args := []string{"-ztag"}
	if c.opts.Port != "" {
		args = append(args, "-p", c.opts.Port)
	}
	if c.opts.User != "" {
		args = append(args, "-u", c.opts.User)
	}
	if c.opts.Client != "" {
		args = append(args, "-c", c.opts.Client)
	}
	return args
}

// run executes one p4 subcommand and parses its -ztag output, applying
// the retry-then-refresh policy from p4_api.cc's PrintFiles: on a command
// error or dropped connection, retry up to Retries times with a fixed
// backoff; after every CommandRefreshThreshold successful calls, force a
// reconnect by simply issuing the next call fresh (the CLI has no
// persistent connection to drop, so "refresh" here is a no-op marker kept
// for symmetry with the long-lived-connection design this policy assumes).
func (c *cliClient) run(ctx context.Context, args []string) ([]ztagRecord, error) {
	full := append(c.baseArgs(), args...)

	var lastErr error
	attempts := c.opts.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		records, err := c.runOnce(ctx, full)
		if err == nil {
			c.usage++
			if c.opts.Refresh > 0 && c.usage > c.opts.Refresh {
				logrus.WithField("usage", c.usage).Info("depot: connection usage past refresh threshold, reconnecting on next call")
				c.usage = 0
			}
			return records, nil
		}
		lastErr = err
		if attempt < attempts-1 {
			logrus.WithError(err).WithField("args", full).Warn("depot: command failed, retrying")
			select {
			case <-time.After(c.opts.Backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("depot: command %v failed after %d attempts: %w", full, attempts, lastErr)
}

func (c *cliClient) runOnce(ctx context.Context, args []string) ([]ztagRecord, error) {
	cmd := exec.CommandContext(ctx, "p4", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("p4 %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return parseZTag(strings.NewReader(string(out)))
}

func (c *cliClient) Changes(ctx context.Context, path, fromCL string, maxCount int) ([]Changelist, error) {
	args := []string{"changes", "-l", "-s", "submitted", "-r"}
	if maxCount >= 0 {
		args = append(args, "-m", strconv.Itoa(maxCount))
	}
	target := path
	if fromCL != "" {
		target += "@>" + fromCL
	}
	args = append(args, target)

	records, err := c.run(ctx, args)
	if err != nil {
		return nil, err
	}
	out := make([]Changelist, 0, len(records))
	for _, r := range records {
		num, _ := strconv.Atoi(r.get("change"))
		ts, _ := strconv.ParseInt(r.get("time"), 10, 64)
		out = append(out, Changelist{
			Number:      num,
			User:        r.get("user"),
			Description: r.get("desc"),
			Timestamp:   time.Unix(ts, 0).UTC(),
		})
	}
	return out, nil
}

func (c *cliClient) Describe(ctx context.Context, cl int) ([]*model.FileRecord, error) {
	records, err := c.run(ctx, []string{"describe", "-s", strconv.Itoa(cl)})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return fileRecordsFromDescribeRecord(records[0]), nil
}

func fileRecordsFromDescribeRecord(r ztagRecord) []*model.FileRecord {
	n := r.countIndexed("depotFile")
	out := make([]*model.FileRecord, 0, n)
	for i := 0; i < n; i++ {
		depotFile, _ := r.indexed("depotFile", i)
		rev, _ := r.indexed("rev", i)
		action, _ := r.indexed("action", i)
		fileType, _ := r.indexed("type", i)
		out = append(out, model.NewFileRecord(depotpath.Decode(depotFile), rev, action, fileType))
	}
	return out
}

func (c *cliClient) FileLog(ctx context.Context, cl int) ([]*model.FileRecord, error) {
	records, err := c.run(ctx, []string{"filelog", "-c", strconv.Itoa(cl), "-m1", "//..."})
	if err != nil {
		return nil, err
	}
	out := make([]*model.FileRecord, 0, len(records))
	for _, r := range records {
		depotFile := depotpath.Decode(r.get("depotFile"))
		// filelog nests one revision/action/type/integration source per
		// record at index 0 (restricted to this CL by -m1 -c).
		rev, _ := r.indexed("rev", 0)
		action, _ := r.indexed("action", 0)
		fileType, _ := r.indexed("type", 0)
		fr := model.NewFileRecord(depotFile, rev, action, fileType)

		if how, ok := r.indexed("how", 0); ok && how != "" {
			fromFile, _ := r.indexed("file", 0)
			fromRev, _ := r.indexed("erev", 0)
			fr.SetFromDepotFile(depotpath.Decode(fromFile), fromRev)
		}
		out = append(out, fr)
	}
	return out, nil
}

func (c *cliClient) Users(ctx context.Context) (map[string]UserInfo, error) {
	records, err := c.run(ctx, []string{"users", "-a"})
	if err != nil {
		return nil, err
	}
	out := make(map[string]UserInfo, len(records))
	for _, r := range records {
		out[r.get("User")] = UserInfo{
			FullName: r.get("FullName"),
			Email:    r.get("Email"),
		}
	}
	return out, nil
}

func (c *cliClient) Info(ctx context.Context) (ServerInfo, error) {
	records, err := c.run(ctx, []string{"info"})
	if err != nil {
		return ServerInfo{}, err
	}
	if len(records) == 0 {
		return ServerInfo{}, nil
	}
	return ServerInfo{ServerTimezoneMinutes: parseServerTimezone(records[0].get("serverDate"))}, nil
}

// parseServerTimezone extracts the "+HHMM"/"-HHMM" offset Perforce appends
// to serverDate and converts it to minutes east of UTC.
func parseServerTimezone(serverDate string) int {
	fields := strings.Fields(serverDate)
	// The offset is followed by the zone name ("... -0500 PST"), so scan
	// back from the end for the first field of the +HHMM/-HHMM form.
	for i := len(fields) - 1; i >= 0; i-- {
		offset := fields[i]
		if len(offset) != 5 || (offset[0] != '+' && offset[0] != '-') {
			continue
		}
		hours, err1 := strconv.Atoi(offset[1:3])
		minutes, err2 := strconv.Atoi(offset[3:5])
		if err1 != nil || err2 != nil {
			return 0
		}
		total := hours*60 + minutes
		if offset[0] == '-' {
			total = -total
		}
		return total
	}
	return 0
}

func (c *cliClient) ClientView(ctx context.Context) ([]string, error) {
	records, err := c.run(ctx, []string{"client", "-o"})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	r := records[0]
	n := r.countIndexed("View")
	view := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, _ := r.indexed("View", i)
		view = append(view, line)
	}
	return view, nil
}

func (c *cliClient) Labels(ctx context.Context) ([]LabelInfo, error) {
	records, err := c.run(ctx, []string{"labels"})
	if err != nil {
		return nil, err
	}
	out := make([]LabelInfo, 0, len(records))
	for _, r := range records {
		out = append(out, LabelInfo{
			Name:        r.get("label"),
			Description: r.get("Description"),
			Update:      parseLabelDate(r.get("Update")),
		})
	}
	return out, nil
}

func (c *cliClient) Label(ctx context.Context, name string) (LabelInfo, error) {
	records, err := c.run(ctx, []string{"label", "-o", name})
	if err != nil {
		return LabelInfo{}, err
	}
	if len(records) == 0 {
		return LabelInfo{}, fmt.Errorf("depot: label %q not found", name)
	}
	r := records[0]
	n := r.countIndexed("View")
	view := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, _ := r.indexed("View", i)
		view = append(view, line)
	}
	return LabelInfo{
		Name:        r.get("Label"),
		Revision:    r.get("Revision"),
		Description: r.get("Description"),
		Update:      parseLabelDate(r.get("Update")),
		View:        view,
	}, nil
}

func parseLabelDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006/01/02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Print streams file content for the given revision specs by shelling a
// single "p4 print" call (with the same -ztag flag as every other call)
// and interpreting its stdout as an interleaved stat/output stream: each
// file's content is preceded by a run of "... field value" tagged lines,
// which this implementation treats as the stat boundary (see
// scanPrintStream).
func (c *cliClient) Print(ctx context.Context, revisionSpecs []string, sink StatSink) error {
	if len(revisionSpecs) == 0 {
		return nil
	}
	args := append(c.baseArgs(), "print")
	args = append(args, revisionSpecs...)

	cmd := exec.CommandContext(ctx, "p4", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	if err := scanPrintStream(stdout, revisionSpecs, sink); err != nil {
		cmd.Wait()
		return err
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("p4 print: %w: %s", err, stderr.String())
	}
	return nil
}

// scanPrintStream recognizes the "... field value" tagged stat lines p4
// emits before each file's body ("... depotFile", "... rev", "... action",
// "... type", "... fileSize", in that run), then the raw body itself,
// which continues until the next "... depotFile" line or EOF. There is no
// delimiter between one file's body and the next file's header, so the
// scanner must peek a line at a time to find the boundary.
func scanPrintStream(r io.Reader, revisionSpecs []string, sink StatSink) error {
	reader := bufio.NewReaderSize(r, 64*1024)

	for range revisionSpecs {
		if err := skipStatLines(reader); err != nil {
			return err
		}
		sink.OnStat()

		body, err := readUntilNextStat(reader)
		if len(body) > 0 {
			sink.OnOutput(body)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// skipStatLines consumes the run of "... field value" lines that precede
// a file's body.
func skipStatLines(reader *bufio.Reader) error {
	for {
		peek, err := reader.Peek(4)
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return err
		}
		if string(peek) != "... " {
			return nil
		}
		if _, err := reader.ReadString('\n'); err != nil {
			return err
		}
	}
}

// readUntilNextStat consumes bytes until it sees a line starting the next
// file's "... " tagged header, leaving that line for the caller to
// re-read on the next ReadString. Since bufio.Reader has no unread-line,
// this peeks line-by-line and buffers non-header lines into the body.
func readUntilNextStat(reader *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		peek, err := reader.Peek(4)
		if err == nil && string(peek) == "... " {
			return body, nil
		}
		line, rerr := reader.ReadBytes('\n')
		body = append(body, line...)
		if rerr != nil {
			return body, rerr
		}
	}
}

func (c *cliClient) Close() error {
	return nil
}
