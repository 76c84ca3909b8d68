package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponent_TagsEntries(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, "debug", "json"), "exam_service")
	log.Info().Int("student_id", 4).Msg("Attempt started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "exam_service", entry["component"])
	assert.Equal(t, "Attempt started", entry["message"])
	assert.EqualValues(t, 4, entry["student_id"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "loud", "json")
	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
