package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, parseLogLevel("bogus"))
}

func TestInitLoggerWritesFiles(t *testing.T) {
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "logs", "info.log")
	errPath := filepath.Join(dir, "logs", "error.log")
	require.NoError(t, InitLogger(LogConfig{InfoLogPath: infoPath, ErrorLogPath: errPath, LogLevel: "info"}))

	Infof("chunk %d opened", 7)
	Errorf("record set %s leaked", "txn")
	Debugf("hidden at info level")

	info, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.Contains(t, string(info), "[INFO]")
	assert.Contains(t, string(info), "chunk 7 opened")
	assert.Contains(t, string(info), "logger_test.go")
	assert.NotContains(t, string(info), "hidden")

	errs, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Contains(t, string(errs), "[ERRO]")
	assert.Contains(t, string(errs), "record set txn leaked")
}

func TestWithFieldBeforeInit(t *testing.T) {
	saved := Logger
	Logger = nil
	defer func() { Logger = saved }()
	assert.NotPanics(t, func() { WithField("log", 1).Info("discarded") })
}
