package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, levelFromString("warning"))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("nonsense"))
}

func TestNewFiltersAndTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(&buf, "warn"), "expiry")

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept", "ride_id", "r1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, Service, rec["service"])
	assert.Equal(t, "expiry", rec["component"])
	assert.Equal(t, "r1", rec["ride_id"])
}
