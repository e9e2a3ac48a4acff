package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeRecords splits JSON handler output into one map per record.
func decodeRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		records = append(records, rec)
	}
	return records
}

func TestLogger_TurnTransitionsCarryTurnAndConversation(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", "json")
	ctx := context.Background()

	turnLog := log.With("turn_id", "t-1")
	turnLog.Debug(ctx, "chat turn transition", "from", "idle", "to", "authorizing")
	turnLog = turnLog.With("conversation_id", "c-9")
	turnLog.Error(ctx, "completion failed", "error", "upstream returned 502")

	records := decodeRecords(t, &buf)
	require.Len(t, records, 2)

	assert.Equal(t, "DEBUG", records[0]["level"])
	assert.Equal(t, "t-1", records[0]["turn_id"])
	assert.Equal(t, "authorizing", records[0]["to"])
	assert.NotContains(t, records[0], "conversation_id")

	assert.Equal(t, "ERROR", records[1]["level"])
	assert.Equal(t, "t-1", records[1]["turn_id"])
	assert.Equal(t, "c-9", records[1]["conversation_id"])
}

func TestLogger_ComponentScopeDoesNotLeakToParent(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "json")
	ctx := context.Background()

	log.With("component", "reconcile_worker").Warn(ctx, "conversation locked; requeueing turn", "conversation_id", "c-1")
	log.Info(ctx, "server starting", "port", "8080")

	records := decodeRecords(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "reconcile_worker", records[0]["component"])
	assert.NotContains(t, records[1], "component")
}

func TestLogger_AttachesRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "json")
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "host/abc-000042")

	log.Warn(ctx, "conversation owned by another user", "conversation_id", "c-1", "user_id", "u-2")
	log.Info(context.Background(), "no request in scope")

	records := decodeRecords(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "host/abc-000042", records[0]["request_id"])
	assert.NotContains(t, records[1], "request_id")
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"WARN", false, false},
		{"bogus", false, true},
	}
	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(&buf, tc.level, "json")
			log.Debug(context.Background(), "chat turn transition")
			log.Info(context.Background(), "unpersisted turn queued for reconciliation")

			out := buf.String()
			assert.Equal(t, tc.wantDebug, strings.Contains(out, "chat turn transition"))
			assert.Equal(t, tc.wantInfo, strings.Contains(out, "unpersisted turn queued"))
		})
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "text").Info(context.Background(), "redis connected", "addr", "localhost:6379")

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, `msg="redis connected"`)
	assert.Contains(t, out, "addr=localhost:6379")
}

func TestDiscard_WritesNothingAndScopesSafely(t *testing.T) {
	log := Discard()
	assert.NotPanics(t, func() {
		log.With("turn_id", "t-1").Error(context.Background(), "dropped")
	})
	assert.NotNil(t, log.Slog())
}
