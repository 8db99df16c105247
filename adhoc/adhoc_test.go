package adhoc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registry(t *testing.T, accept bool, hits *atomic.Int32) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/register", r.URL.Path)
		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 8000, req.Port)
		assert.Equal(t, 50051, req.GRPCPort)
		assert.True(t, req.InferenceEnabled)
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: req.Id, Success: accept})
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

var inst = Instance{IP: "10.0.0.5", Port: 8000, GRPCPort: 50051, InferenceEnabled: true}

func TestSend(t *testing.T) {
	var hits atomic.Int32
	host, port := registry(t, true, &hits)
	hb := NewHeartbeat(host, port, time.Second, inst)
	require.NoError(t, hb.Send(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
	assert.NotEmpty(t, hb.ID())
}

func TestSendRejected(t *testing.T) {
	var hits atomic.Int32
	host, port := registry(t, false, &hits)
	err := NewHeartbeat(host, port, time.Second, inst).Send(context.Background())
	assert.ErrorContains(t, err, "rejected")
}

func TestRunRepeatsUntilCancelled(t *testing.T) {
	var hits atomic.Int32
	host, port := registry(t, true, &hits)
	hb := NewHeartbeat(host, port, 10*time.Millisecond, inst)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return hits.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}
