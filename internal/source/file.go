package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FileSource reads records from a local file. The format is chosen by
// extension: .jsonl/.ndjson for newline-delimited JSON, .csv for
// header-mapped CSV, .json for a top-level array.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for the given path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Fetch(ctx context.Context) ([]RawRecord, error) {
	base := filepath.Base(s.path)
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".jsonl", ".ndjson":
		f, err := os.Open(s.path)
		if err != nil {
			return nil, eris.Wrap(err, "source: open file")
		}
		defer f.Close() //nolint:errcheck
		return decodeJSONL(ctx, f, base)
	case ".csv":
		f, err := os.Open(s.path)
		if err != nil {
			return nil, eris.Wrap(err, "source: open file")
		}
		defer f.Close() //nolint:errcheck
		return decodeCSV(ctx, f, base)
	case ".json":
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil, eris.Wrap(err, "source: read file")
		}
		return decodeJSONArray(data, base)
	default:
		return nil, eris.Errorf("source: unsupported file format %q", filepath.Ext(s.path))
	}
}

// decodeCSV maps each row onto the header to build a JSON object payload per
// record. Short rows leave trailing columns out; long rows drop the excess.
func decodeCSV(ctx context.Context, r io.Reader, origin string) ([]RawRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err == io.EOF {
		return nil, eris.Errorf("source: %s has no header row", origin)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "source: %s read header", origin)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records []RawRecord
	line := 1
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "source: decode csv")
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "source: %s read row", origin)
		}
		line++

		obj := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				obj[col] = strings.TrimSpace(row[i])
			}
		}

		payload, err := json.Marshal(obj)
		if err != nil {
			return nil, eris.Wrapf(err, "source: encode csv row %d", line)
		}

		records = append(records, RawRecord{
			IdentityKey:   identityFrom(obj),
			Payload:       string(payload),
			SourceLocator: fmt.Sprintf("%s#%d", origin, line),
		})
	}

	zap.L().Debug("csv source loaded",
		zap.String("origin", origin),
		zap.Int("records", len(records)),
	)
	return records, nil
}
