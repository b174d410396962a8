package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("wager g1 opened", slog.String("id", "g1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "wager g1 opened", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "g1", line["id"])
}

func TestSetupWritesRotatedFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "wagerd.log")
	logger, closer := Setup(Options{Service: "wagerd", Env: "test", File: file})
	logger.Info("hello")
	require.NoError(t, closer.Close())
	require.FileExists(t, file)
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("signature", "0xdeadbeef").Value.String())
	require.Equal(t, "g1", MaskField("id", "g1").Value.String())
	require.Equal(t, "", MaskField("token", "").Value.String())
	require.Equal(t, "Bearer "+RedactedValue, MaskBearer("Bearer abc.def"))
	require.Equal(t, "", MaskBearer(" "))
}
