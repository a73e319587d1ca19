// Package source acquires raw records from local files, HTTP endpoints, and
// FTP servers. Every source yields the same RawRecord shape so the rest of
// the pipeline never cares where content came from.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// RawRecord is one unit of acquired content before identity assignment.
type RawRecord struct {
	IdentityKey   string `json:"identity_key,omitempty"`
	Payload       string `json:"payload"`
	SourceLocator string `json:"source_locator"`
}

// Source fetches raw records from one origin.
type Source interface {
	Fetch(ctx context.Context) ([]RawRecord, error)
}

// identityFields are probed in order when a record object does not name its
// identity key explicitly.
var identityFields = []string{"identity_key", "url", "id"}

// identityFrom extracts the identity key from a decoded record object.
// Missing keys are fine; dedup falls back to the source locator.
func identityFrom(obj map[string]any) string {
	for _, field := range identityFields {
		if v, ok := obj[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// decodeJSONL reads newline-delimited JSON objects. Blank lines are skipped;
// a malformed line fails the whole fetch with its line number.
func decodeJSONL(ctx context.Context, r io.Reader, origin string) ([]RawRecord, error) {
	var records []RawRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "source: decode jsonl")
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return nil, eris.Wrapf(err, "source: %s line %d", origin, line)
		}

		records = append(records, RawRecord{
			IdentityKey:   identityFrom(obj),
			Payload:       text,
			SourceLocator: fmt.Sprintf("%s#%d", origin, line),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "source: read %s", origin)
	}

	return records, nil
}

// decodeJSONArray reads a top-level JSON array of record objects.
func decodeJSONArray(data []byte, origin string) ([]RawRecord, error) {
	var objs []map[string]any
	if err := json.Unmarshal(data, &objs); err != nil {
		return nil, eris.Wrapf(err, "source: decode %s", origin)
	}

	records := make([]RawRecord, 0, len(objs))
	for i, obj := range objs {
		payload, err := json.Marshal(obj)
		if err != nil {
			return nil, eris.Wrapf(err, "source: encode %s item %d", origin, i)
		}
		records = append(records, RawRecord{
			IdentityKey:   identityFrom(obj),
			Payload:       string(payload),
			SourceLocator: fmt.Sprintf("%s#%d", origin, i),
		})
	}

	return records, nil
}
