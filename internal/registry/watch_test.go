package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/owent/libatapp-sub000/pkg/config"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

func newWatchServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/cluster/member/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(MemberListResponse{})
	})
	mux.HandleFunc("/v3/lease/grant", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LeaseGrantResponse{ID: 1, TTL: 16})
	})
	mux.HandleFunc("/v3/lease/keepalive", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LeaseKeepAliveResponse{Result: LeaseKeepAliveResult{ID: 1, TTL: 16}})
	})
	mux.HandleFunc("/v3/kv/range", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RangeResponse{KVs: []KeyValue{{
			Key:   base64.StdEncoding.EncodeToString([]byte("/atapp/services/by_id/node-1")),
			Value: base64.StdEncoding.EncodeToString([]byte("seed")),
		}}, Header: ResponseHeader{Revision: 5}})
	})
	mux.HandleFunc("/v3/watch", func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		enc.Encode(WatchResponse{Result: WatchResult{
			Header: ResponseHeader{Revision: 6},
			Events: []WatchEvent{{Type: WatchEventPut, Kv: KeyValue{
				Key:   base64.StdEncoding.EncodeToString([]byte("/atapp/services/by_id/node-2")),
				Value: base64.StdEncoding.EncodeToString([]byte("new-peer")),
			}}},
		}})
		if flusher != nil {
			flusher.Flush()
		}
		<-r.Context().Done()
	})
	return httptest.NewServer(mux)
}

func TestWatchStreamBootstrapSnapshotThenStreamedEvent(t *testing.T) {
	srv := newWatchServer(t)
	defer srv.Close()

	c := NewClient(config.EtcdConfig{Hosts: []string{srv.URL}}.WithDefaults(), logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 10 && c.State() != StateReady; i++ {
		_, _ = c.Tick(ctx)
	}
	require.Equal(t, StateReady, c.State())

	var snapshotEvents, streamedEvents []WatchEvent
	w := NewWatchStream("/atapp/services/by_id/", "/atapp/services/by_id0")
	w.SetEventHandler(func(header ResponseHeader, events []WatchEvent, snapshot bool) {
		if snapshot {
			snapshotEvents = append(snapshotEvents, events...)
		} else {
			streamedEvents = append(streamedEvents, events...)
		}
	})
	w.Activate()
	c.AddWatcher(w)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(streamedEvents) == 0 {
		_, _ = c.Tick(ctx)
		time.Sleep(10 * time.Millisecond)
	}

	require.Len(t, snapshotEvents, 1)
	require.Len(t, streamedEvents, 1)
	require.Equal(t, WatchStreaming, w.State())
}

func TestWatchStreamCloseCancelsStream(t *testing.T) {
	srv := newWatchServer(t)
	defer srv.Close()

	c := NewClient(config.EtcdConfig{Hosts: []string{srv.URL}}.WithDefaults(), logging.NewNop())
	ctx := context.Background()
	for i := 0; i < 10 && c.State() != StateReady; i++ {
		_, _ = c.Tick(ctx)
	}

	w := NewWatchStream("/atapp/services/by_id/", "")
	w.Activate()
	c.AddWatcher(w)
	_, _ = c.Tick(ctx)
	w.Close()
	require.Equal(t, WatchClosed, w.State())
}
