// Package dedup collapses duplicate records in a line-delimited JSON log.
package dedup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultKeys are the record fields tried, in order, to identify a record.
var DefaultKeys = []string{"url", "pdf_url", "reference"}

// ErrSkipped is returned when the log could not be read or written. The file
// is left as it was (or, on a failed write, possibly truncated).
var ErrSkipped = errors.New("dedup skipped")

// maxLineBytes bounds a single JSONL record; longer lines count as malformed.
const maxLineBytes = 16 * 1024 * 1024

// Stats summarizes one dedup pass.
type Stats struct {
	Lines      int
	Kept       int
	Duplicates int
	Malformed  int
}

type record struct {
	key  string
	line []byte
}

// parseLine returns the record for line, or false when the line is not a
// JSON object or carries none of the identity fields.
func parseLine(line []byte, keys []string) (record, bool) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		return record{}, false
	}
	for _, k := range keys {
		s, ok := fields[k].(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return record{key: s, line: line}, true
		}
	}
	return record{}, false
}

// Lines returns the first occurrence of each identity key in data, in input
// order. Blank lines are ignored; malformed ones are counted and dropped.
func Lines(data []byte, keys []string) ([][]byte, Stats) {
	if len(keys) == 0 {
		keys = DefaultKeys
	}

	var (
		stats Stats
		out   [][]byte
		seen  = make(map[string]struct{})
	)
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		stats.Lines++
		if len(line) > maxLineBytes {
			stats.Malformed++
			continue
		}
		rec, ok := parseLine(line, keys)
		if !ok {
			stats.Malformed++
			continue
		}
		if _, dup := seen[rec.key]; dup {
			stats.Duplicates++
			continue
		}
		seen[rec.key] = struct{}{}
		out = append(out, append([]byte(nil), rec.line...))
	}
	stats.Kept = len(out)
	return out, stats
}

// File deduplicates the JSONL log at path in place. Only a failure to read or
// write the file is reported, wrapped in ErrSkipped.
func File(path string, keys []string) (Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrSkipped, err)
	}

	lines, stats := Lines(data, keys)

	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrSkipped, err)
	}
	return stats, nil
}
