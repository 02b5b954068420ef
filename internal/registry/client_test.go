package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/cluster/member/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(MemberListResponse{})
	})
	mux.HandleFunc("/v3/lease/grant", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LeaseGrantResponse{ID: 42, TTL: 16})
	})
	mux.HandleFunc("/v3/lease/keepalive", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LeaseKeepAliveResponse{Result: LeaseKeepAliveResult{ID: 42, TTL: 16}})
	})
	mux.HandleFunc("/v3/kv/put", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PutResponse{})
	})
	mux.HandleFunc("/v3/kv/range", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RangeResponse{})
	})
	return httptest.NewServer(mux)
}

func testEtcdConfig(url string) config.EtcdConfig {
	cfg := config.EtcdConfig{Hosts: []string{url}}.WithDefaults()
	cfg.KeepaliveInterval = 10 * time.Millisecond
	return cfg
}

func TestClientTicksToReady(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := NewClient(testEtcdConfig(srv.URL), logging.NewNop())
	ctx := context.Background()

	var reached bool
	for i := 0; i < 10 && c.State() != StateReady; i++ {
		busy, err := c.Tick(ctx)
		require.NoError(t, err)
		require.True(t, busy)
	}
	reached = c.State() == StateReady
	require.True(t, reached)
	require.Equal(t, int64(42), c.LeaseID())
}

func TestClientFiresOnAvailable(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := NewClient(testEtcdConfig(srv.URL), logging.NewNop())
	fired := false
	c.SetCallbacks(func(*Client) { fired = true }, nil)

	ctx := context.Background()
	for i := 0; i < 10 && c.State() != StateReady; i++ {
		_, _ = c.Tick(ctx)
	}
	require.True(t, fired)
}

func TestClientConfigurePathNormalizesTrailingSlash(t *testing.T) {
	c := NewClient(config.EtcdConfig{Path: "/atapp/services"}.WithDefaults(), logging.NewNop())
	require.Equal(t, "/atapp/services/", c.ConfigurePath())
}

func TestClientNoAvailableAddressWhenNoHosts(t *testing.T) {
	c := NewClient(config.EtcdConfig{}.WithDefaults(), logging.NewNop())
	_, err := c.Tick(context.Background())
	_, err = c.Tick(context.Background())
	require.Error(t, err)
}
