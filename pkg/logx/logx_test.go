package logx

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestServiceFollowsApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	wl := log.Named("warden").With(String("minion", "m01"))
	wl.Info("dropped")
	wl.Warn("stalled", Int("attempt", 2))

	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	wl.Debug("kept after apply")

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "stalled", lines[0]["message"])
	assert.Equal(t, "warden", lines[0][ComponentKey])
	assert.Equal(t, "m01", lines[0]["minion"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
	assert.Regexp(t, `^logx_test\.go:\d+$`, lines[0][zerolog.CallerFieldName])
	assert.Equal(t, "kept after apply", lines[1]["message"])
}

func TestApplyKeepsSinksOnBadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	bad := filepath.Join(t.TempDir(), "missing", "dir", "w.log")
	err := svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: bad}})
	require.Error(t, err)

	log.Info("still here")
	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "still here", lines[0]["message"])
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	assert.False(t, zero.Named("x").IsZero())

	assert.NotPanics(t, func() {
		zero.Error("ignored", Err(nil), nil)
		Nop().Warn("ignored", Err(os.ErrClosed))
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"bogus":    zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		" warning": zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestThrottleCountsSuppressed(t *testing.T) {
	th := NewThrottle(time.Hour, 1)
	ok, dropped := th.Allow()
	assert.True(t, ok)
	assert.Zero(t, dropped)

	for i := 0; i < 3; i++ {
		ok, _ = th.Allow()
		assert.False(t, ok)
	}

	var unlimited *Throttle
	ok, _ = unlimited.Allow()
	assert.True(t, ok)
}
