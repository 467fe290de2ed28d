package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONByDefault(t *testing.T) {
	log := New("debug", "")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithField("block_id", "blk-1").Debug("consumed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "consumed", entry["msg"])
	assert.Equal(t, "blk-1", entry["block_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNew_Levels(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, New("warn", "json").GetLevel())
	assert.Equal(t, logrus.InfoLevel, New("chatty", "json").GetLevel())
	_, isText := New("info", "TEXT").Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}
