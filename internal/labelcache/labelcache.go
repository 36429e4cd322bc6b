// Package labelcache implements an on-disk label cache: a binary file
// recording every depot label's metadata as of the last run, so a later
// run's label/tag conversion pass (internal/labelconv) only has to
// re-fetch labels whose update date actually changed. Follows
// rcowham/gitp4transfer's journal package's "typed struct wrapping an
// io.Writer/io.Reader with explicit fixed-layout Write*/Read* methods"
// shape, with entirely new binary content, grounded on labels_cache.cc's
// wire format and compare_labels_to_cache.
package labelcache

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const version int32 = 1

// Label is one depot label's cached metadata.
type Label struct {
	Name        string
	Revision    string
	Description string
	Update      time.Time
	Views       []string
}

// LabelSummary is the cheap listing a live "p4 labels" call returns:
// enough to detect staleness without fetching each label's full view.
type LabelSummary struct {
	Name   string
	Update time.Time
}

// Cache wraps an io.Writer or io.Reader with the fixed-layout
// length-prefixed field methods the cache file format uses.
type Cache struct {
	w io.Writer
	r io.Reader
}

// NewWriter wraps w for WriteAll.
func NewWriter(w io.Writer) *Cache { return &Cache{w: w} }

// NewReader wraps r for ReadAll.
func NewReader(r io.Reader) *Cache { return &Cache{r: r} }

func (c *Cache) writeString(s string) error {
	if err := binary.Write(c.w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(c.w, s)
	return err
}

func (c *Cache) readString() (string, error) {
	var n uint64
	if err := binary.Read(c.r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteAll serializes labels as: int32 version, u64 count, then per label
// the {len,bytes} name/revision/description/update fields followed by a
// u64 viewsCount and that many {len,bytes} view lines.
func (c *Cache) WriteAll(labels []Label) error {
	if err := binary.Write(c.w, binary.LittleEndian, version); err != nil {
		return fmt.Errorf("labelcache: writing version: %w", err)
	}
	if err := binary.Write(c.w, binary.LittleEndian, uint64(len(labels))); err != nil {
		return fmt.Errorf("labelcache: writing count: %w", err)
	}
	for _, l := range labels {
		for _, s := range []string{l.Name, l.Revision, l.Description, l.Update.UTC().Format(time.RFC3339)} {
			if err := c.writeString(s); err != nil {
				return fmt.Errorf("labelcache: writing %q: %w", l.Name, err)
			}
		}
		if err := binary.Write(c.w, binary.LittleEndian, uint64(len(l.Views))); err != nil {
			return fmt.Errorf("labelcache: writing view count for %q: %w", l.Name, err)
		}
		for _, v := range l.Views {
			if err := c.writeString(v); err != nil {
				return fmt.Errorf("labelcache: writing view for %q: %w", l.Name, err)
			}
		}
	}
	return nil
}

// ReadAll deserializes a cache file written by WriteAll.
func (c *Cache) ReadAll() ([]Label, error) {
	var gotVersion int32
	if err := binary.Read(c.r, binary.LittleEndian, &gotVersion); err != nil {
		return nil, fmt.Errorf("labelcache: reading version: %w", err)
	}
	if gotVersion != version {
		return nil, fmt.Errorf("labelcache: unsupported cache version %d", gotVersion)
	}
	var count uint64
	if err := binary.Read(c.r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("labelcache: reading count: %w", err)
	}
	labels := make([]Label, 0, count)
	for i := uint64(0); i < count; i++ {
		name, err := c.readString()
		if err != nil {
			return nil, fmt.Errorf("labelcache: reading label %d name: %w", i, err)
		}
		revision, err := c.readString()
		if err != nil {
			return nil, fmt.Errorf("labelcache: reading label %q revision: %w", name, err)
		}
		description, err := c.readString()
		if err != nil {
			return nil, fmt.Errorf("labelcache: reading label %q description: %w", name, err)
		}
		updateStr, err := c.readString()
		if err != nil {
			return nil, fmt.Errorf("labelcache: reading label %q update: %w", name, err)
		}
		update, err := time.Parse(time.RFC3339, updateStr)
		if err != nil {
			return nil, fmt.Errorf("labelcache: parsing label %q update: %w", name, err)
		}
		var viewsCount uint64
		if err := binary.Read(c.r, binary.LittleEndian, &viewsCount); err != nil {
			return nil, fmt.Errorf("labelcache: reading label %q view count: %w", name, err)
		}
		views := make([]string, viewsCount)
		for j := range views {
			views[j], err = c.readString()
			if err != nil {
				return nil, fmt.Errorf("labelcache: reading label %q view %d: %w", name, j, err)
			}
		}
		labels = append(labels, Label{
			Name:        name,
			Revision:    revision,
			Description: description,
			Update:      update,
			Views:       views,
		})
	}
	return labels, nil
}

// Compare diffs a live label listing against a previously loaded cache,
// mirroring compare_labels_to_cache's update-date diffing: a label whose
// cached entry has the same Update timestamp is reused as-is; everything
// new or changed is returned in toFetch for the caller to resolve with a
// full depot.Client.Label call and add to resulting itself.
func Compare(live []LabelSummary, cached map[string]Label) (toFetch []LabelSummary, resulting map[string]Label) {
	resulting = make(map[string]Label, len(live))
	for _, l := range live {
		if c, ok := cached[l.Name]; ok && c.Update.Equal(l.Update) {
			resulting[l.Name] = c
			continue
		}
		toFetch = append(toFetch, l)
	}
	return toFetch, resulting
}

// Load reads a cache file from r into a name-keyed map, the form Compare
// and UpdateTags consume. An empty reader is an error, since it has no
// version header to read.
func Load(r io.Reader) (map[string]Label, error) {
	labels, err := NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	m := make(map[string]Label, len(labels))
	for _, l := range labels {
		m[l.Name] = l
	}
	return m, nil
}

// Save writes the cache's current label map to w as a flat, name-sorted
// slice (sorting kept the caller's responsibility, for a byte-stable file
// across runs with an unchanged label set).
func Save(w io.Writer, labels []Label) error {
	return NewWriter(w).WriteAll(labels)
}
