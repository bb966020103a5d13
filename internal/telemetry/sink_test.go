package telemetry

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogSink_Emit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewLogSink(logger)

	sink.Emit("proxy_failure", map[string]any{
		"proxy":                "http://p1",
		"consecutive_failures": 3,
	})

	out := buf.String()
	assert.Contains(t, out, "proxy_failure")
	assert.Contains(t, out, "http://p1")
	assert.Contains(t, out, "event_id")
}

func TestLogSink_Emit_UnencodablePayload(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewLogSink(logger)

	// Channels cannot be marshalled; the sink must swallow the failure.
	assert.NotPanics(t, func() {
		sink.Emit("bad_event", map[string]any{"ch": make(chan int)})
	})
	assert.Contains(t, buf.String(), "Failed to encode telemetry payload")
}

func TestNopSink_Emit(t *testing.T) {
	assert.NotPanics(t, func() {
		NopSink{}.Emit("anything", map[string]any{"k": "v"})
	})
}
