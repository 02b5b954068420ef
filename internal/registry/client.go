package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owent/libatapp-sub000/internal/atapperr"
	"github.com/owent/libatapp-sub000/pkg/clients"
	"github.com/owent/libatapp-sub000/pkg/config"
)

// State is one step of the Registry Client's connection state machine.
type State int

// The states, in the order they're normally entered.
const (
	StateInit State = iota
	StateResolvingMembers
	StateAuthenticating
	StateLeaseGranting
	StateReady
	StateDown
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateResolvingMembers:
		return "RESOLVING_MEMBERS"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateLeaseGranting:
		return "LEASE_GRANTING"
	case StateReady:
		return "READY"
	case StateDown:
		return "DOWN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// memberPenalty tracks a member URL's recent connect failures so the
// round-robin cursor can deprioritize it (supplemented from
// etcd_cluster.h's host-penalty table).
type memberPenalty struct {
	failures  int
	lastFail  time.Time
}

// MemberStats is the diagnostic projection of one member URL's health,
// exposed for the Application Core's minute-boundary stats snapshot.
type MemberStats struct {
	URL      string
	Failures int
	LastFail time.Time
}

// Client drives the Registry Client state machine against the etcd v3
// JSON gateway. A single Client owns the lease, the member URL set, and
// the attached Keepalive Records and Watch Streams.
type Client struct {
	mu sync.Mutex

	cfg    config.EtcdConfig
	logger *logrus.Logger
	http   *http.Client
	retry  clients.RetryConfig

	state State

	memberURLs   []string
	memberCursor int
	penalties    map[string]*memberPenalty
	lastMemberUpdate time.Time

	authUser, authPass string
	token              string
	tokenExpiry        time.Time

	leaseID            int64
	leaseGrantedAt     time.Time
	lastRenew          time.Time
	renewFailures      int

	keepalives map[string]*KeepaliveRecord
	watchers   []*WatchStream

	continueErrorRequests uint64

	onAvailable func(*Client)
	onDown      func(*Client)

	lastErr error
}

// NewClient constructs a Registry Client for the given etcd configuration.
// The client starts in StateInit; call Tick repeatedly to drive it to
// StateReady.
func NewClient(cfg config.EtcdConfig, logger *logrus.Logger) *Client {
	user, pass := "", ""
	if idx := strings.IndexByte(cfg.Authorization, ':'); idx >= 0 {
		user, pass = cfg.Authorization[:idx], cfg.Authorization[idx+1:]
	}
	c := &Client{
		cfg:        cfg,
		logger:     logger,
		http:       &http.Client{Timeout: cfg.RequestTimeout},
		retry:      clients.DefaultRetryConfig(),
		state:      StateInit,
		memberURLs: append([]string(nil), cfg.Hosts...),
		penalties:  make(map[string]*memberPenalty),
		authUser:   user,
		authPass:   pass,
		keepalives: make(map[string]*KeepaliveRecord),
	}
	c.retry.CircuitBreaker = clients.NewCircuitBreaker(clients.DefaultCircuitBreakerConfig())
	return c
}

// SetCallbacks installs the on_available/on_down event hooks.
func (c *Client) SetCallbacks(onAvailable, onDown func(*Client)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAvailable = onAvailable
	c.onDown = onDown
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddKeepalive attaches a Keepalive Record, keyed by its store key.
func (c *Client) AddKeepalive(rec *KeepaliveRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepalives[rec.key] = rec
	rec.client = c
}

// RemoveKeepalive detaches a Keepalive Record by key.
func (c *Client) RemoveKeepalive(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keepalives, key)
}

// AddWatcher attaches a Watch Stream to this client's tick loop.
func (c *Client) AddWatcher(w *WatchStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.client = c
	c.watchers = append(c.watchers, w)
}

// RemoveWatcher detaches a Watch Stream.
func (c *Client) RemoveWatcher(w *WatchStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.watchers {
		if existing == w {
			c.watchers = append(c.watchers[:i], c.watchers[i+1:]...)
			break
		}
	}
}

// MemberStats returns a diagnostic snapshot of every known member URL.
func (c *Client) MemberStats() []MemberStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MemberStats, 0, len(c.memberURLs))
	for _, url := range c.memberURLs {
		p := c.penalties[url]
		if p == nil {
			out = append(out, MemberStats{URL: url})
			continue
		}
		out = append(out, MemberStats{URL: url, Failures: p.failures, LastFail: p.lastFail})
	}
	return out
}

// currentURL returns the member URL the round-robin cursor currently
// points at, skipping entries still under an active penalty decay window.
func (c *Client) currentURL() (string, error) {
	if len(c.memberURLs) == 0 {
		return "", atapperr.NoAvailableAddress
	}
	const penaltyDecay = 30 * time.Second
	for i := 0; i < len(c.memberURLs); i++ {
		idx := (c.memberCursor + i) % len(c.memberURLs)
		url := c.memberURLs[idx]
		p := c.penalties[url]
		if p == nil || time.Since(p.lastFail) > penaltyDecay {
			c.memberCursor = idx
			return url, nil
		}
	}
	// every member penalized; use the least-recently-failed one anyway.
	best := c.memberURLs[0]
	for _, url := range c.memberURLs[1:] {
		if c.penalties[url].lastFail.Before(c.penalties[best].lastFail) {
			best = url
		}
	}
	return best, nil
}

// penalize marks url as having just failed and advances the cursor to
// the next member.
func (c *Client) penalize(url string) {
	p := c.penalties[url]
	if p == nil {
		p = &memberPenalty{}
		c.penalties[url] = p
	}
	p.failures++
	p.lastFail = time.Now()
	c.memberCursor++
}

func encodeKey(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decodeKey(s string) string {
	if s == "" {
		return ""
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(b)
}

// rangeEndPrefix computes the lexicographic-successor range_end for a
// prefix query.
func rangeEndPrefix(key string) string {
	b := []byte(key)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return base64.StdEncoding.EncodeToString(b[:i+1])
		}
	}
	return base64.StdEncoding.EncodeToString([]byte{0})
}

// doJSON posts reqBody to path on the current member URL, decoding the
// response into respBody. On a connect-level failure the member is
// penalized and the error is returned; the client's state is left
// unchanged (it does not move to ResolvingMembers).
func (c *Client) doJSON(ctx context.Context, path string, reqBody, respBody interface{}) error {
	c.mu.Lock()
	url, err := c.currentURL()
	token := c.token
	c.mu.Unlock()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(url, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", token)
	}

	resp, err := clients.DoWithRetry(ctx, c.http, httpReq, c.retry)
	if err != nil {
		c.mu.Lock()
		c.penalize(url)
		c.continueErrorRequests++
		c.mu.Unlock()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(resp.Body)
		if strings.Contains(strings.ToLower(string(body)), "invalid") || strings.Contains(strings.ToLower(string(body)), "token") {
			c.mu.Lock()
			c.token = ""
			c.state = StateAuthenticating
			c.mu.Unlock()
		}
		return fmt.Errorf("registry auth rejected: %s", string(body))
	}
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
		c.mu.Lock()
		c.penalize(url)
		c.mu.Unlock()
		return fmt.Errorf("registry member %s unavailable: %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		c.mu.Lock()
		c.continueErrorRequests++
		c.mu.Unlock()
		return fmt.Errorf("registry request %s failed: %d %s", path, resp.StatusCode, string(body))
	}

	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

// Get issues POST /v3/kv/range.
func (c *Client) Get(ctx context.Context, key, rangeEnd string, limit, revision int64) (*RangeResponse, error) {
	req := &RangeRequest{Key: encodeKey(key), Limit: limit, Revision: revision}
	if rangeEnd != "" {
		req.RangeEnd = encodeKey(rangeEnd)
	}
	resp := &RangeResponse{}
	if err := c.doJSON(ctx, "/v3/kv/range", req, resp); err != nil {
		return nil, err
	}
	for i := range resp.KVs {
		resp.KVs[i].Key = decodeKey(resp.KVs[i].Key)
		resp.KVs[i].Value = decodeKey(resp.KVs[i].Value)
	}
	return resp, nil
}

// GetPrefix issues a range GET over every key sharing the given prefix.
func (c *Client) GetPrefix(ctx context.Context, prefix string) (*RangeResponse, error) {
	req := &RangeRequest{Key: encodeKey(prefix), RangeEnd: rangeEndPrefix(prefix)}
	resp := &RangeResponse{}
	if err := c.doJSON(ctx, "/v3/kv/range", req, resp); err != nil {
		return nil, err
	}
	for i := range resp.KVs {
		resp.KVs[i].Key = decodeKey(resp.KVs[i].Key)
		resp.KVs[i].Value = decodeKey(resp.KVs[i].Value)
	}
	return resp, nil
}

// Put issues POST /v3/kv/put.
func (c *Client) Put(ctx context.Context, key, value string, lease int64, prevKv, ignoreValue, ignoreLease bool) (*PutResponse, error) {
	req := &PutRequest{
		Key: encodeKey(key), Value: encodeKey(value), Lease: lease,
		PrevKv: prevKv, IgnoreValue: ignoreValue, IgnoreLease: ignoreLease,
	}
	resp := &PutResponse{}
	if err := c.doJSON(ctx, "/v3/kv/put", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Delete issues POST /v3/kv/deleterange.
func (c *Client) Delete(ctx context.Context, key, rangeEnd string, prevKv bool) (*DeleteRangeResponse, error) {
	req := &DeleteRangeRequest{Key: encodeKey(key), PrevKv: prevKv}
	if rangeEnd != "" {
		req.RangeEnd = encodeKey(rangeEnd)
	}
	resp := &DeleteRangeResponse{}
	if err := c.doJSON(ctx, "/v3/kv/deleterange", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// grantLease requests a new lease with the configured keepalive TTL.
func (c *Client) grantLease(ctx context.Context) error {
	req := &LeaseGrantRequest{TTL: int64(c.cfg.KeepaliveTimeout / time.Second)}
	resp := &LeaseGrantResponse{}
	if err := c.doJSON(ctx, "/v3/lease/grant", req, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("lease grant rejected: %s", resp.Error)
	}
	c.mu.Lock()
	c.leaseID = resp.ID
	c.leaseGrantedAt = time.Now()
	c.lastRenew = time.Now()
	c.renewFailures = 0
	c.mu.Unlock()
	return nil
}

// renewLease issues a keepalive RPC for the current lease.
func (c *Client) renewLease(ctx context.Context) error {
	c.mu.Lock()
	leaseID := c.leaseID
	c.mu.Unlock()

	req := &LeaseKeepAliveRequest{ID: leaseID}
	resp := &LeaseKeepAliveResponse{}
	if err := c.doJSON(ctx, "/v3/lease/keepalive", req, resp); err != nil {
		c.mu.Lock()
		c.renewFailures++
		failures := c.renewFailures
		c.mu.Unlock()
		if failures >= c.cfg.MaxKeepaliveFailures {
			c.mu.Lock()
			c.state = StateDown
			c.leaseID = 0
			c.mu.Unlock()
			c.fireDown()
		}
		return err
	}
	c.mu.Lock()
	c.lastRenew = time.Now()
	c.renewFailures = 0
	c.mu.Unlock()
	return nil
}

// authenticate exchanges username/password for a bearer token.
func (c *Client) authenticate(ctx context.Context) error {
	if c.authUser == "" {
		return nil
	}
	req := &AuthenticateRequest{Name: c.authUser, Password: c.authPass}
	resp := &AuthenticateResponse{}
	if err := c.doJSON(ctx, "/v3/auth/authenticate", req, resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.tokenExpiry = time.Now().Add(5 * time.Minute)
	c.mu.Unlock()
	return nil
}

// renewAuth issues /v3/auth/user/get, which refreshes the token's expiry
// deadline without re-requesting a new token.
func (c *Client) renewAuth(ctx context.Context) error {
	if c.authUser == "" {
		return nil
	}
	req := &UserGetRequest{Name: c.authUser}
	if err := c.doJSON(ctx, "/v3/auth/user/get", req, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.tokenExpiry = time.Now().Add(5 * time.Minute)
	c.mu.Unlock()
	return nil
}

// updateMembers refreshes the round-robin member URL set from the
// cluster's own member-list endpoint.
func (c *Client) updateMembers(ctx context.Context) error {
	resp := &MemberListResponse{}
	if err := c.doJSON(ctx, "/v3/cluster/member/list", struct{}{}, resp); err != nil {
		return err
	}
	urls := make([]string, 0, len(resp.Members))
	for _, m := range resp.Members {
		urls = append(urls, m.ClientURLs...)
	}
	if len(urls) == 0 {
		return nil
	}
	c.mu.Lock()
	c.memberURLs = urls
	c.memberCursor = 0
	c.lastMemberUpdate = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) fireAvailable() {
	c.mu.Lock()
	cb := c.onAvailable
	c.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

func (c *Client) fireDown() {
	c.mu.Lock()
	cb := c.onDown
	c.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// Tick advances whichever connection-establishment step is pending and
// services any attached keepalive/watch work. It returns true if any
// work was performed this call.
func (c *Client) Tick(ctx context.Context) (bool, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateInit:
		c.mu.Lock()
		c.state = StateResolvingMembers
		c.mu.Unlock()
		return true, nil

	case StateResolvingMembers:
		if len(c.memberURLs) == 0 {
			return false, atapperr.NoAvailableAddress
		}
		c.mu.Lock()
		c.state = StateAuthenticating
		c.mu.Unlock()
		return true, nil

	case StateAuthenticating:
		if err := c.authenticate(ctx); err != nil {
			return true, err
		}
		c.mu.Lock()
		c.state = StateLeaseGranting
		c.mu.Unlock()
		return true, nil

	case StateLeaseGranting:
		if err := c.grantLease(ctx); err != nil {
			return true, err
		}
		c.mu.Lock()
		c.state = StateReady
		for _, rec := range c.keepalives {
			rec.markLeaseChanged()
		}
		c.mu.Unlock()
		c.fireAvailable()
		return true, nil

	case StateReady:
		return c.tickReady(ctx)

	case StateDown:
		c.mu.Lock()
		c.state = StateResolvingMembers
		c.mu.Unlock()
		return true, nil

	case StateClosing:
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return true, nil

	case StateClosed:
		return false, nil
	}
	return false, nil
}

func (c *Client) tickReady(ctx context.Context) (bool, error) {
	busy := false

	c.mu.Lock()
	sinceRenew := time.Since(c.lastRenew)
	needRenewLease := sinceRenew >= c.cfg.KeepaliveInterval
	needRenewAuth := c.authUser != "" && time.Until(c.tokenExpiry) < 120*time.Second
	needMemberUpdate := c.cfg.AutoUpdateMembers && time.Since(c.lastMemberUpdate) >= c.cfg.MemberUpdateInterval
	keepalives := make([]*KeepaliveRecord, 0, len(c.keepalives))
	for _, rec := range c.keepalives {
		keepalives = append(keepalives, rec)
	}
	watchers := make([]*WatchStream, len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()

	if needRenewLease {
		busy = true
		if err := c.renewLease(ctx); err != nil {
			return true, err
		}
	}
	if needRenewAuth {
		busy = true
		_ = c.renewAuth(ctx)
	}
	if needMemberUpdate {
		busy = true
		_ = c.updateMembers(ctx)
	}

	for _, rec := range keepalives {
		if rec.tick(ctx) {
			busy = true
		}
	}
	for _, w := range watchers {
		if w.tick(ctx) {
			busy = true
		}
	}
	return busy, nil
}

// Close revokes the lease (best-effort) and transitions to CLOSING, which
// Tick will advance to CLOSED on its next call.
func (c *Client) Close(ctx context.Context, revokeLease bool) error {
	c.mu.Lock()
	leaseID := c.leaseID
	c.state = StateClosing
	c.mu.Unlock()

	if revokeLease && leaseID != 0 {
		req := &LeaseRevokeRequest{ID: leaseID}
		_ = c.doJSON(ctx, "/v3/lease/revoke", req, nil)
	}
	return nil
}

// LeaseID returns the currently held lease id, or 0 if none.
func (c *Client) LeaseID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaseID
}

// ConfigurePath returns the configured key prefix, normalized to end
// with a trailing slash.
func (c *Client) ConfigurePath() string {
	p := c.cfg.Path
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
