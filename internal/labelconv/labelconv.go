// Package labelconv implements label-name sanitization, the resume
// marker's round-trip encoding, and depot-label-to-Git-tag conversion.
// Grounded on original_source/p4-fusion/labels_conversion.cc's
// sanitizeLabelName, getChangelistFromCommit, and updateTags.
package labelconv

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/depotfusion/internal/depot"
	"github.com/rcowham/depotfusion/internal/gitobj"
	"github.com/rcowham/depotfusion/internal/labelcache"
)

// markerChangePrefix is the substring the resume scan searches for,
// from its last occurrence in a commit message, up to the next ']'.
const markerChangePrefix = ": change = "

// BuildMarker formats the canonical resume marker embedded in every
// commit's message.
func BuildMarker(depotPath string, cl int) string {
	return fmt.Sprintf("[p4-fusion: depot-path=%s: change = %d]", depotPath, cl)
}

// ParseCLFromMarker extracts the changelist number from a commit
// message's marker: find the *last* occurrence of ": change = " and
// read up to the next ']'. Returns an error if no marker is present
// ("missing marker => non-resumable repository").
func ParseCLFromMarker(message string) (int, error) {
	idx := strings.LastIndex(message, markerChangePrefix)
	if idx < 0 {
		return 0, fmt.Errorf("labelconv: no resume marker in commit message")
	}
	rest := message[idx+len(markerChangePrefix):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0, fmt.Errorf("labelconv: malformed resume marker (no closing ']')")
	}
	cl, err := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if err != nil {
		return 0, fmt.Errorf("labelconv: malformed resume marker CL number: %w", err)
	}
	return cl, nil
}

// sanitizePattern matches every character a Git ref component forbids
// (per git-check-ref-format(1)): ASCII control characters and DEL,
// whitespace, ~ ^ : ? * [ \ and the backtick. '@' (the start of the
// forbidden "@{" sequence) is dropped separately by SanitizeLabelName.
var sanitizePattern = regexp.MustCompile("[\\s\\x00-\\x1f\\x7f~^:?*\\[\\\\`]")

var collapseSlashes = regexp.MustCompile("/+")

// SanitizeLabelName normalizes a depot label into a valid Git ref
// component: strip a leading '/', strip trailing '/' and '.', replace any
// forbidden character (or whitespace) with '_', collapse repeated '/'
// into one, and drop literal '@' entirely (ref names may not contain
// "@{", and dropping '@' unconditionally is the simpler, stricter rule).
func SanitizeLabelName(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.ReplaceAll(name, "@", "")
	name = sanitizePattern.ReplaceAllString(name, "_")
	name = collapseSlashes.ReplaceAllString(name, "/")
	name = strings.TrimRight(name, "/.")
	if name == "" {
		name = "label"
	}
	return name
}

// UpdateTags lists the depot's labels and creates or deletes Git tags
// under refs/tags/ so the tag set matches, exactly as updateTags walks
// git_reference_iterator against the depot's labels. Tags are resolved
// to a commit by locating the converted CL the label's revision
// corresponds to via the resume marker on depotPath's branches; labels
// that do not resolve to any converted commit are skipped with a
// warning, never fatal. cachePath, if non-empty, is the
// internal/labelcache file from the previous run: labels whose update
// date is unchanged are served from the cache instead of re-fetched in
// full, and the cache is rewritten on return to reflect this run's
// label set. normalize, if non-nil, is run over a label's
// name before SanitizeLabelName's own pass — cmd/depotfusion wires this
// to config.Config.NormalizeLabel so a repository's configured
// label_tag_rules take effect ahead of the stock sanitization.
func UpdateTags(ctx context.Context, client depot.Client, odb gitobj.ObjectDatabase, depotPath string, branches []string, cachePath string, normalize func(string) string) error {
	labels, err := client.Labels(ctx)
	if err != nil {
		return fmt.Errorf("labelconv: listing labels: %w", err)
	}

	cached := loadLabelCache(cachePath)
	live := make([]labelcache.LabelSummary, len(labels))
	for i, l := range labels {
		live[i] = labelcache.LabelSummary{Name: l.Name, Update: l.Update}
	}
	toFetch, resolved := labelcache.Compare(live, cached)
	needsFetch := make(map[string]bool, len(toFetch))
	for _, l := range toFetch {
		needsFetch[l.Name] = true
	}

	// Build CL -> commit lookup across all converted branches by walking
	// each branch's entire first-parent ancestor chain from its head,
	// since a Perforce label routinely pins an arbitrary earlier
	// changelist rather than a branch's current tip (updateTags walks
	// git_commit_parent the same way).
	headByCL := make(map[int]string)
	for _, branch := range branches {
		head, ok := odb.HeadOf(branch)
		if !ok {
			continue
		}
		history, err := odb.FirstParentHistory(ctx, head)
		if err != nil {
			continue
		}
		for _, commit := range history {
			msg, err := odb.CommitMessage(ctx, commit)
			if err != nil {
				continue
			}
			cl, err := ParseCLFromMarker(msg)
			if err != nil {
				continue
			}
			if _, exists := headByCL[cl]; !exists {
				headByCL[cl] = commit
			}
		}
	}

	valid := make(map[string]bool, len(labels))
	for _, l := range labels {
		var revision string
		if needsFetch[l.Name] {
			full, err := client.Label(ctx, l.Name)
			if err != nil {
				logrus.WithError(err).WithField("label", l.Name).Warn("labelconv: fetching label detail failed, skipping")
				continue
			}
			resolved[l.Name] = labelcache.Label{
				Name:        l.Name,
				Revision:    full.Revision,
				Description: full.Description,
				Update:      full.Update,
				Views:       full.View,
			}
			revision = full.Revision
		} else {
			revision = resolved[l.Name].Revision
		}

		cl, err := strconv.Atoi(strings.TrimSpace(revision))
		if err != nil {
			logrus.WithField("label", l.Name).Warn("labelconv: label has no fixed revision, skipping")
			continue
		}
		commit, ok := headByCL[cl]
		if !ok {
			logrus.WithField("label", l.Name).WithField("revision", cl).Warn("labelconv: label revision does not match any converted commit, skipping")
			continue
		}
		name := l.Name
		if normalize != nil {
			name = normalize(name)
		}
		tagName := SanitizeLabelName(name)
		if err := odb.CreateTag(ctx, tagName, commit); err != nil {
			return fmt.Errorf("labelconv: tagging label %q: %w", l.Name, err)
		}
		valid[tagName] = true
	}

	if cachePath != "" {
		if err := saveLabelCache(cachePath, resolved); err != nil {
			logrus.WithError(err).Warn("labelconv: writing label cache failed, next run will refetch every label")
		}
	}

	existing, err := odb.ListTags(ctx)
	if err != nil {
		return fmt.Errorf("labelconv: listing existing tags: %w", err)
	}
	for _, name := range existing {
		if !valid[name] {
			if err := odb.DeleteTag(ctx, name); err != nil {
				return fmt.Errorf("labelconv: deleting stale tag %q: %w", name, err)
			}
		}
	}
	return nil
}

// loadLabelCache reads path into a name-keyed map, returning an empty map
// (never an error) if path is unset or the file does not exist yet, e.g.
// on a repository's first run.
func loadLabelCache(path string) map[string]labelcache.Label {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	m, err := labelcache.Load(f)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("labelconv: label cache unreadable, refetching every label")
		return nil
	}
	return m
}

// saveLabelCache writes resolved to path in name-sorted order.
func saveLabelCache(path string, resolved map[string]labelcache.Label) error {
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	labels := make([]labelcache.Label, len(names))
	for i, name := range names {
		labels[i] = resolved[name]
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("labelconv: creating label cache %s: %w", path, err)
	}
	defer f.Close()
	return labelcache.Save(f, labels)
}
