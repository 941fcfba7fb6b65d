package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/units"
	"github.com/ground-x/blmsg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
InboundPort = 9443
LogLevel = "debug"
`), 0o644))

	cfg := DefaultBrokerConfig()
	require.NoError(t, LoadFile(path, &cfg))

	assert.Equal(t, 9443, cfg.InboundPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	// fields absent from the file keep their defaults
	assert.Equal(t, DefaultMaxQueueDepth, cfg.MaxQueueDepth)
}

func TestLoadFileRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`NotAField = 1`), 0o644))

	cfg := DefaultBrokerConfig()
	err := LoadFile(path, &cfg)
	require.Error(t, err)
}

func TestLoadFileMissingReturnsError(t *testing.T) {
	cfg := DefaultBrokerConfig()
	err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestDumpRoundTrips(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.ListenAddr = ":1234"

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, &cfg))

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.toml")
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0o644))

	reloaded := DefaultGatewayConfig()
	require.NoError(t, LoadFile(path, &reloaded))
	assert.Equal(t, cfg, reloaded)
}

func TestSizeValueParsesHumanReadableUnits(t *testing.T) {
	v := newSizeValue(0)
	require.NoError(t, v.Set("2MiB"))
	assert.Equal(t, units.Base2Bytes(2*units.Mebibyte), units.Base2Bytes(*v))
}

func TestExitCodeClassification(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitGeneric, ExitCode(errs.New(errs.CodeInternal, "boom")))
	assert.Equal(t, ExitInvalidCmdline, ExitCode(NewInvalidCmdlineError("bad flag")))
	assert.Equal(t, ExitAuthExpired, ExitCode(errs.New(errs.CodeAuthorizationFailed, "expired")))
	assert.Equal(t, ExitInvalidCommand, ExitCode(NewInvalidCommandError("unknown command")))
}

func TestDefaultIntervalsAreNonZero(t *testing.T) {
	cfg := DefaultBrokerConfig()
	assert.Greater(t, cfg.HeartbeatInterval, time.Duration(0))
	assert.Greater(t, cfg.WatchdogInterval, time.Duration(0))
}
