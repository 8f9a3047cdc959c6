package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_AutoIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "info", LogFormatAuto, false)
	require.NoError(t, err)

	logger.Info("store opened", "namespace", "dehc")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "store opened", line["msg"])
	assert.Equal(t, "dehc", line["namespace"])
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		verbose   bool
		wantDebug bool
		wantInfo  bool
	}{
		{"info", "info", false, false, true},
		{"upper_case", "WARN", false, false, false},
		{"debug", "debug", false, true, true},
		{"verbose_forces_debug", "error", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := NewLogger(&buf, tt.level, LogFormatText, tt.verbose)
			require.NoError(t, err)

			logger.Debug("d")
			logger.Info("i")
			assert.Equal(t, tt.wantDebug, bytes.Contains(buf.Bytes(), []byte("msg=d")))
			assert.Equal(t, tt.wantInfo, bytes.Contains(buf.Bytes(), []byte("msg=i")))
		})
	}
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, "loud", LogFormatText, false)
	assert.ErrorContains(t, err, "log level")

	_, err = NewLogger(&bytes.Buffer{}, "info", "xml", false)
	assert.ErrorContains(t, err, "log format")
}
