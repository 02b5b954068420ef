package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"
)

// WatchState is one step of a Watch Stream's bootstrap/stream/retry cycle.
type WatchState int

// The states a WatchStream cycles through.
const (
	WatchNew WatchState = iota
	WatchBootstrapping
	WatchStreaming
	WatchRetrying
	WatchClosed
)

// EventHandler receives one logical notification from a Watch Stream.
// snapshot is true for the synthesized bootstrap events.
type EventHandler func(header ResponseHeader, events []WatchEvent, snapshot bool)

type watchFrame struct {
	result WatchResult
	err    error
}

// WatchStream is a long-lived watch over a key/range, bootstrapped with a
// priming GET and then kept current by a streaming /v3/watch request.
type WatchStream struct {
	mu sync.Mutex

	client   *Client
	key      string
	rangeEnd string

	handler        EventHandler
	progressNotify bool
	prevKv         bool

	state            WatchState
	lastSeenRevision int64

	retryInterval         time.Duration
	startupJitterMin      time.Duration
	startupJitterMax      time.Duration
	progressNotifyTimeout time.Duration

	frames       chan watchFrame
	cancelStream context.CancelFunc
	lastFrameAt  time.Time
	retryAt      time.Time
	firstActivation bool
}

// NewWatchStream constructs a watcher over [key, rangeEnd).
func NewWatchStream(key, rangeEnd string) *WatchStream {
	return &WatchStream{
		key:                   key,
		rangeEnd:              rangeEnd,
		state:                 WatchNew,
		retryInterval:         time.Second,
		progressNotifyTimeout: 60 * time.Second,
		firstActivation:       true,
	}
}

// SetEventHandler installs the notification callback.
func (w *WatchStream) SetEventHandler(h EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// SetProgressNotify toggles whether the server is asked to emit periodic
// progress notifications, and arms the staleness watchdog in drainFrames
// that forces a reconnect if notifications stop arriving.
func (w *WatchStream) SetProgressNotify(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.progressNotify = enabled
}

// SetPrevKv toggles whether deletes carry the prior value.
func (w *WatchStream) SetPrevKv(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prevKv = enabled
}

// SetStartupJitter configures the random delay range applied before the
// very first bootstrap attempt.
func (w *WatchStream) SetStartupJitter(min, max time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.startupJitterMin, w.startupJitterMax = min, max
}

// State returns the watcher's current lifecycle state.
func (w *WatchStream) State() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Activate schedules the initial bootstrap. The actual GET is performed
// on the next tick.
func (w *WatchStream) Activate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WatchNew {
		w.state = WatchBootstrapping
	}
}

// Close tears down any in-flight stream and stops further ticks.
func (w *WatchStream) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelStream != nil {
		w.cancelStream()
	}
	w.state = WatchClosed
}

// tick drives the watcher one step. Returns true if it performed work.
func (w *WatchStream) tick(ctx context.Context) bool {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	switch state {
	case WatchBootstrapping:
		w.bootstrap(ctx)
		return true

	case WatchStreaming:
		return w.drainFrames(ctx)

	case WatchRetrying:
		w.mu.Lock()
		due := time.Now().After(w.retryAt)
		w.mu.Unlock()
		if due {
			w.mu.Lock()
			w.state = WatchBootstrapping
			w.mu.Unlock()
			return true
		}
		return false

	case WatchNew, WatchClosed:
		return false
	}
	return false
}

// bootstrap issues the priming range GET, synthesizes snapshot=true PUT
// events for every key currently in range, and starts the streaming
// watch at lastSeenRevision+1.
func (w *WatchStream) bootstrap(ctx context.Context) {
	w.mu.Lock()
	if w.firstActivation && w.startupJitterMax > 0 {
		w.firstActivation = false
		jitterRange := w.startupJitterMax - w.startupJitterMin
		delay := w.startupJitterMin
		if jitterRange > 0 {
			delay += time.Duration(rand.Int64N(int64(jitterRange)))
		}
		w.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		w.mu.Lock()
	}
	key, rangeEnd, handler, prevKv, progressNotify := w.key, w.rangeEnd, w.handler, w.prevKv, w.progressNotify
	w.mu.Unlock()

	resp, err := w.client.Get(ctx, key, rangeEnd, 0, 0)
	if err != nil {
		w.scheduleRetry()
		return
	}

	if handler != nil {
		events := make([]WatchEvent, 0, len(resp.KVs))
		for _, kv := range resp.KVs {
			events = append(events, WatchEvent{Type: WatchEventPut, Kv: kv})
		}
		handler(resp.Header, events, true)
	}

	w.mu.Lock()
	w.lastSeenRevision = resp.Header.Revision
	w.state = WatchStreaming
	w.lastFrameAt = time.Now()
	w.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	framesCh := make(chan watchFrame, 32)
	w.mu.Lock()
	w.cancelStream = cancel
	w.frames = framesCh
	w.mu.Unlock()

	go w.runStream(streamCtx, key, rangeEnd, resp.Header.Revision+1, prevKv, progressNotify, framesCh)
}

// runStream issues the streaming POST /v3/watch request and decodes each
// frame in turn. encoding/json's Decoder tracks object boundaries and
// buffers partial reads internally, so no separate framing scanner is
// needed.
func (w *WatchStream) runStream(ctx context.Context, key, rangeEnd string, startRevision int64, prevKv, progressNotify bool, out chan<- watchFrame) {
	defer close(out)

	create := &WatchCreateRequest{
		Key:            encodeKey(key),
		StartRevision:  startRevision,
		PrevKv:         prevKv,
		ProgressNotify: progressNotify,
	}
	if rangeEnd != "" {
		create.RangeEnd = encodeKey(rangeEnd)
	}
	body, err := json.Marshal(&WatchRequest{CreateRequest: create})
	if err != nil {
		out <- watchFrame{err: err}
		return
	}

	w.client.mu.Lock()
	url, uerr := w.client.currentURL()
	token := w.client.token
	w.client.mu.Unlock()
	if uerr != nil {
		out <- watchFrame{err: uerr}
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(url, "/")+"/v3/watch", bytes.NewReader(body))
	if err != nil {
		out <- watchFrame{err: err}
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", token)
	}

	resp, err := w.client.http.Do(httpReq)
	if err != nil {
		out <- watchFrame{err: err}
		return
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var frame WatchResponse
		if err := dec.Decode(&frame); err != nil {
			out <- watchFrame{err: err}
			return
		}
		select {
		case out <- watchFrame{result: frame.Result}:
		case <-ctx.Done():
			return
		}
	}
}

func (w *WatchStream) scheduleRetry() {
	w.mu.Lock()
	w.state = WatchRetrying
	w.retryAt = time.Now().Add(w.retryInterval)
	w.mu.Unlock()
}

// drainFrames consumes every buffered frame without blocking, dispatching
// events and handling compaction/cancellation.
func (w *WatchStream) drainFrames(ctx context.Context) bool {
	w.mu.Lock()
	framesCh := w.frames
	handler := w.handler
	progressNotify := w.progressNotify
	timeout := w.progressNotifyTimeout
	lastFrameAt := w.lastFrameAt
	w.mu.Unlock()

	processed := false
	for {
		select {
		case frame, ok := <-framesCh:
			if !ok {
				w.scheduleRetry()
				return true
			}
			processed = true
			if frame.err != nil {
				w.scheduleRetry()
				return true
			}
			if frame.result.Canceled || frame.result.CompactRevision > 0 {
				w.mu.Lock()
				if w.cancelStream != nil {
					w.cancelStream()
				}
				w.mu.Unlock()
				w.scheduleRetry()
				return true
			}
			w.mu.Lock()
			w.lastFrameAt = time.Now()
			if frame.result.Header.Revision > 0 {
				w.lastSeenRevision = frame.result.Header.Revision
			}
			w.mu.Unlock()
			if handler != nil && len(frame.result.Events) > 0 {
				handler(frame.result.Header, frame.result.Events, false)
			}
		default:
			if progressNotify && timeout > 0 && time.Since(lastFrameAt) > 2*timeout {
				w.mu.Lock()
				if w.cancelStream != nil {
					w.cancelStream()
				}
				w.mu.Unlock()
				w.scheduleRetry()
				return true
			}
			return processed
		}
	}
}
