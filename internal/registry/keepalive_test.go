package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

func newKeepaliveServer(t *testing.T, existingValue string) (*httptest.Server, *int) {
	t.Helper()
	putCount := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/cluster/member/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(MemberListResponse{})
	})
	mux.HandleFunc("/v3/lease/grant", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LeaseGrantResponse{ID: 7, TTL: 16})
	})
	mux.HandleFunc("/v3/lease/keepalive", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LeaseKeepAliveResponse{Result: LeaseKeepAliveResult{ID: 7, TTL: 16}})
	})
	mux.HandleFunc("/v3/kv/range", func(w http.ResponseWriter, r *http.Request) {
		if existingValue == "" {
			json.NewEncoder(w).Encode(RangeResponse{})
			return
		}
		json.NewEncoder(w).Encode(RangeResponse{KVs: []KeyValue{{
			Key:   base64.StdEncoding.EncodeToString([]byte("/atapp/services/by_id/node-1")),
			Value: base64.StdEncoding.EncodeToString([]byte(existingValue)),
		}}})
	})
	mux.HandleFunc("/v3/kv/put", func(w http.ResponseWriter, r *http.Request) {
		putCount++
		json.NewEncoder(w).Encode(PutResponse{})
	})
	return httptest.NewServer(mux), &putCount
}

func readyClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(config.EtcdConfig{Hosts: []string{url}}.WithDefaults(), logging.NewNop())
	ctx := context.Background()
	for i := 0; i < 10 && c.State() != StateReady; i++ {
		_, _ = c.Tick(ctx)
	}
	require.Equal(t, StateReady, c.State())
	return c
}

func TestKeepaliveRecordActivatesAndPuts(t *testing.T) {
	srv, putCount := newKeepaliveServer(t, "")
	defer srv.Close()

	c := readyClient(t, srv.URL)
	rec := NewKeepaliveRecord("/atapp/services/by_id/node-1")
	rec.SetValue([]byte("payload-v1"))
	rec.Activate()
	c.AddKeepalive(rec)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = c.Tick(ctx)
	}
	require.Equal(t, 1, *putCount)
	require.False(t, rec.CheckFailed())
}

func TestKeepaliveRecordCheckerRejectsExisting(t *testing.T) {
	srv, putCount := newKeepaliveServer(t, "someone-else")
	defer srv.Close()

	c := readyClient(t, srv.URL)
	rec := NewKeepaliveRecord("/atapp/services/by_id/node-1")
	rec.SetValue([]byte("payload-v1"))
	rec.SetChecker(func(existing []byte) bool { return len(existing) == 0 })
	rec.Activate()
	c.AddKeepalive(rec)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = c.Tick(ctx)
	}
	require.Equal(t, 0, *putCount)
	require.True(t, rec.CheckFailed())
}

func TestKeepaliveRecordOnlyPutsOnValueChange(t *testing.T) {
	srv, putCount := newKeepaliveServer(t, "")
	defer srv.Close()

	c := readyClient(t, srv.URL)
	rec := NewKeepaliveRecord("/atapp/services/by_id/node-1")
	rec.SetValue([]byte("same"))
	rec.Activate()
	c.AddKeepalive(rec)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = c.Tick(ctx)
	}
	require.Equal(t, 1, *putCount)

	rec.SetValue([]byte("same"))
	for i := 0; i < 5; i++ {
		_, _ = c.Tick(ctx)
	}
	require.Equal(t, 1, *putCount)

	rec.SetValue([]byte("changed"))
	for i := 0; i < 5; i++ {
		_, _ = c.Tick(ctx)
	}
	require.Equal(t, 2, *putCount)
}
