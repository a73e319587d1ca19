package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/annotate-cli/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	created := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "0b8e9d0a-1111-2222-3333-444455556666",
			State:     model.RunStateCompleted,
			Summary:   &model.RunSummary{Total: 10, Annotated: 8, Failed: 2, DurationMS: 4200},
			CreatedAt: created,
		},
		{
			ID:        "ffffffff-0000-0000-0000-000000000000",
			State:     model.RunStateFailed,
			CreatedAt: created,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "0b8e9d0a")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "10")
	assert.Contains(t, out, "4s")
	// Runs without a summary render placeholders instead of zeros.
	assert.Contains(t, out, "ffffffff")
	assert.Contains(t, out, "-")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "0b8e9d0a", truncateID("0b8e9d0a-1111-2222"))
	assert.Equal(t, "short", truncateID("short"))
}
