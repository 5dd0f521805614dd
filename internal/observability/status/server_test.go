package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reportsched/pkg/logx"
)

func TestSourcesAreServedAsJSON(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	s.Handle("jobs", func() any { return []map[string]string{{"key": "user=1/service=ads"}} })
	ts := httptest.NewServer(s.mux())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/status/jobs")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	var got []map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, "user=1/service=ads", got[0]["key"])

	res2, err := http.Get(ts.URL + "/status/nope")
	require.NoError(t, err)
	res2.Body.Close()
	assert.Equal(t, http.StatusNotFound, res2.StatusCode)

	res3, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(res3.Body)
	res3.Body.Close()
	assert.Contains(t, string(body), `"jobs"`)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Token: "s3cret"}, logx.Nop())
	ts := httptest.NewServer(s.mux())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, err = http.Get(ts.URL + "/healthz?token=s3cret")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := httptest.NewServer(New(Config{Enabled: true}, logx.Nop()).mux())
	defer off.Close()
	res, err := http.Get(off.URL + "/debug/pprof/")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	on := httptest.NewServer(New(Config{Enabled: true, Pprof: true}, logx.Nop()).mux())
	defer on.Close()
	res, err = http.Get(on.URL + "/debug/pprof/")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NotEmpty(t, s.Addr())

	res, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Stop(ctx))
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
}
