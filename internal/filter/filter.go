// Package filter decides which synced tables take part in sync. The
// filter applies in both directions: excluded tables are never scanned
// for push and incoming changes for them are dropped before apply.
package filter

import (
	"path"
	"strings"
)

// TableFilter matches table names against glob patterns (path.Match
// syntax). An empty include list allows every table; exclude always
// wins over include.
type TableFilter struct {
	Include []string
	Exclude []string
}

// New builds a filter from comma-separated pattern lists as they appear
// in configuration.
func New(include, exclude string) *TableFilter {
	return &TableFilter{Include: split(include), Exclude: split(exclude)}
}

func split(s string) []string {
	var out []string

	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// AllowTable reports whether table should sync. A nil filter allows
// everything.
func (f *TableFilter) AllowTable(table string) bool {
	if f == nil {
		return true
	}

	// Internal bookkeeping tables never sync.
	if strings.HasPrefix(table, "sync_") {
		return false
	}

	if matchAny(f.Exclude, table) {
		return false
	}

	if len(f.Include) == 0 {
		return true
	}

	return matchAny(f.Include, table)
}

// Tables returns the allowed subset of tables, preserving order.
func (f *TableFilter) Tables(tables []string) []string {
	out := make([]string, 0, len(tables))

	for _, t := range tables {
		if f.AllowTable(t) {
			out = append(out, t)
		}
	}

	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		// Malformed patterns never match.
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}

	return false
}
