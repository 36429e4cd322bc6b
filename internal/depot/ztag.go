package depot

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// ztagRecord is one tagged-output record: "... field value" lines between
// blank-line (or "... " prefix reset) boundaries, keyed by field name.
// Perforce repeats numbered fields ("depotFile0", "depotFile1", ...) for
// array-valued results; indexed and numbered accessors below expose that.
type ztagRecord map[string]string

func (r ztagRecord) get(field string) string {
	return r[field]
}

func (r ztagRecord) indexed(prefix string, i int) (string, bool) {
	v, ok := r[prefix+strconv.Itoa(i)]
	return v, ok
}

// countIndexed reports how many prefix0, prefix1, ... entries are present,
// stopping at the first gap.
func (r ztagRecord) countIndexed(prefix string) int {
	n := 0
	for {
		if _, ok := r[prefix+strconv.Itoa(n)]; !ok {
			return n
		}
		n++
	}
}

// parseZTag reads "p4 -ztag" output: each record is a run of "... field
// value" lines terminated by a blank line or EOF. A continuation line
// (one beginning with a tab, used by Perforce for multi-line description
// text) is appended to the previous field's value with a newline.
func parseZTag(r io.Reader) ([]ztagRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var records []ztagRecord
	var cur ztagRecord
	var lastField string

	flush := func() {
		if cur != nil && len(cur) > 0 {
			records = append(records, cur)
		}
		cur = nil
		lastField = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "... "):
			if cur == nil {
				cur = ztagRecord{}
			}
			rest := line[4:]
			sp := strings.IndexByte(rest, ' ')
			var field, value string
			if sp < 0 {
				field, value = rest, ""
			} else {
				field, value = rest[:sp], rest[sp+1:]
			}
			cur[field] = value
			lastField = field
		case strings.HasPrefix(line, "\t") && cur != nil && lastField != "":
			cur[lastField] = cur[lastField] + "\n" + line[1:]
		default:
			// Lines outside of "... field value" form (e.g. informational
			// banners some servers emit) are ignored rather than treated
			// as a parse error.
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
