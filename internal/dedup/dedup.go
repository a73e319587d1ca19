// Package dedup assigns stable identifiers to acquired records and filters
// duplicates by canonical identity key.
package dedup

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/annotate-cli/internal/model"
)

// Result holds the outcome of one deduplication pass. Records are the
// survivors in original encounter order; Duplicates lists the identity keys
// of dropped records, also in encounter order (one entry per dropped record).
type Result struct {
	Records    []model.Record
	Duplicates []string
}

// Engine assigns sequential record ids and tracks identity keys seen within
// a run. The id counter is owned by the engine instance; there is no global
// state.
type Engine struct {
	prefix string
	next   int
	seen   map[string]bool
}

// NewEngine creates an Engine that formats generated ids as
// "<prefix>_NNN" (zero-padded to three digits, growing naturally beyond 999).
func NewEngine(prefix string) *Engine {
	if prefix == "" {
		prefix = "rec"
	}
	return &Engine{prefix: prefix, seen: make(map[string]bool)}
}

// Process assigns ids to records lacking one and drops records whose
// identity key was already seen, in a single pass over the input.
//
// Conflict policy: when two records share an identity key, the first
// occurrence wins and keeps all of its original field values; later
// occurrences are dropped entirely, even if their content differs. Records
// already marked with an id keep it unchanged.
//
// Process is idempotent: running it over its own output returns the same
// records with no new assignments or drops.
func (e *Engine) Process(records []model.Record) Result {
	now := time.Now().UTC()
	result := Result{Records: make([]model.Record, 0, len(records))}

	for _, rec := range records {
		key := rec.IdentityKey
		if key == "" {
			key = rec.SourceLocator
		}
		key = CanonicalKey(key)
		rec.IdentityKey = key

		if e.seen[key] {
			result.Duplicates = append(result.Duplicates, key)
			continue
		}
		e.seen[key] = true

		if rec.ID == "" {
			e.next++
			rec.ID = fmt.Sprintf("%s_%03d", e.prefix, e.next)
		}
		if rec.Status == "" {
			rec.Status = model.RecordStatusNew
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now

		result.Records = append(result.Records, rec)
	}

	return result
}

// CanonicalKey normalizes a raw identity key for comparison: NFKC
// normalization, whitespace trimming, and lowercasing. Keys that parse as
// http(s) URLs additionally get their default port, fragment, and trailing
// slash stripped so that trivially different spellings of the same address
// collapse to one key.
func CanonicalKey(raw string) string {
	key := strings.TrimSpace(norm.NFKC.String(raw))
	if key == "" {
		return ""
	}

	if u, err := url.Parse(key); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		u.Scheme = strings.ToLower(u.Scheme)
		host := strings.ToLower(u.Host)
		host = strings.TrimSuffix(host, ":80")
		host = strings.TrimSuffix(host, ":443")
		u.Host = host
		u.Fragment = ""
		u.Path = strings.TrimSuffix(u.Path, "/")
		return u.String()
	}

	return strings.ToLower(key)
}
