package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/objectfs/vfs/pkg/errors"
)

func TestNew(t *testing.T) {
	out := filepath.Join(t.TempDir(), "vfs.log")

	logger, err := New(Config{Level: "warn", Format: "json", OutputPath: out})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", Host("ftp"), Path("/pub"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"host":"ftp"`)
	assert.Contains(t, string(data), `"path":"/pub"`)
}

func TestNew_UnknownLevel(t *testing.T) {
	logger, err := New(Config{Level: "chatty", Format: "console", OutputPath: filepath.Join(t.TempDir(), "x.log")})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}

func TestErr(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	vfsErr := errors.FromFTPReply(550, "No such file").WithPath("/pub/x")
	logger.Warn("failed", Err(vfsErr))
	logger.Warn("foreign", Err(fmt.Errorf("boom")))
	logger.Warn("nothing", Err(nil))

	entries := logs.All()
	require.Len(t, entries, 3)

	fields := entries[0].ContextMap()
	obj, ok := fields["error"].(map[string]interface{})
	require.True(t, ok, "vfs errors should be logged as objects")
	assert.Equal(t, "NOT_FOUND", obj["kind"])
	assert.Equal(t, "ftp", obj["domain"])
	assert.EqualValues(t, 550, obj["code"])

	assert.True(t, strings.Contains(fmt.Sprint(entries[1].ContextMap()["error"]), "boom"))
	assert.Empty(t, entries[2].ContextMap())
}
