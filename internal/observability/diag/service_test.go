package diag

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "warden/pkg/logx"
)

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestServesHealthAndStatus(t *testing.T) {
	status := func(context.Context) (any, error) { return map[string]int{"queued": 3}, nil }
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, status, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { stop(t, s) })

	base := "http://" + s.Addr()
	code, body := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, base+"/statusz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"queued":3}`, body)

	code, _ = get(t, base+"/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTokenAndPprof(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret", Pprof: true}, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { stop(t, s) })

	base := "http://" + s.Addr()
	code, _ := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz?token=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, base+"/debug/pprof/", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, base+"/statusz", "s3cret")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	assert.Error(t, s.Start(context.Background()))
	assert.Empty(t, s.Addr())
}

func TestReconfigure(t *testing.T) {
	ctx := context.Background()
	s := New(Config{}, nil, logx.Nop())
	require.NoError(t, s.Start(ctx))
	assert.Empty(t, s.Addr())

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	first := s.Addr()
	require.NotEmpty(t, first)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}))
	assert.Equal(t, first, s.Addr())

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6060"))
	assert.False(t, isLoopbackAddr("garbage"))
}
