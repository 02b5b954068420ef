// Package registry implements the Registry Client, Keepalive Record, and
// Watch Stream against an etcd v3 JSON gateway, using the same
// HTTP-retry client idiom and circuit-breaker/retry helpers as this
// module's other outbound clients.
package registry

// ResponseHeader mirrors the etcd v3 gateway's header, carried on every
// response envelope.
type ResponseHeader struct {
	ClusterID uint64 `json:"cluster_id,string,omitempty"`
	MemberID  uint64 `json:"member_id,string,omitempty"`
	Revision  int64  `json:"revision,string,omitempty"`
	RaftTerm  uint64 `json:"raft_term,string,omitempty"`
}

// KeyValue is a single etcd key/value record with its revision metadata.
type KeyValue struct {
	Key            string `json:"key"`
	CreateRevision int64  `json:"create_revision,string,omitempty"`
	ModRevision    int64  `json:"mod_revision,string,omitempty"`
	Version        int64  `json:"version,string,omitempty"`
	Value          string `json:"value"`
	Lease          int64  `json:"lease,string,omitempty"`
}

// RangeRequest is the body of POST /v3/kv/range.
type RangeRequest struct {
	Key      string `json:"key"`
	RangeEnd string `json:"range_end,omitempty"`
	Limit    int64  `json:"limit,string,omitempty"`
	Revision int64  `json:"revision,string,omitempty"`
}

// RangeResponse is the body returned by POST /v3/kv/range.
type RangeResponse struct {
	Header ResponseHeader `json:"header"`
	KVs    []KeyValue     `json:"kvs"`
	Count  int64          `json:"count,string,omitempty"`
	More   bool           `json:"more,omitempty"`
}

// PutRequest is the body of POST /v3/kv/put.
type PutRequest struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Lease       int64  `json:"lease,string,omitempty"`
	PrevKv      bool   `json:"prev_kv,omitempty"`
	IgnoreValue bool   `json:"ignore_value,omitempty"`
	IgnoreLease bool   `json:"ignore_lease,omitempty"`
}

// PutResponse is the body returned by POST /v3/kv/put.
type PutResponse struct {
	Header ResponseHeader `json:"header"`
	PrevKv *KeyValue      `json:"prev_kv,omitempty"`
}

// DeleteRangeRequest is the body of POST /v3/kv/deleterange.
type DeleteRangeRequest struct {
	Key      string `json:"key"`
	RangeEnd string `json:"range_end,omitempty"`
	PrevKv   bool   `json:"prev_kv,omitempty"`
}

// DeleteRangeResponse is the body returned by POST /v3/kv/deleterange.
type DeleteRangeResponse struct {
	Header  ResponseHeader `json:"header"`
	Deleted int64          `json:"deleted,string,omitempty"`
	PrevKvs []KeyValue     `json:"prev_kvs,omitempty"`
}

// LeaseGrantRequest is the body of POST /v3/lease/grant.
type LeaseGrantRequest struct {
	TTL int64 `json:"TTL,string"`
	ID  int64 `json:"ID,string,omitempty"`
}

// LeaseGrantResponse is the body returned by POST /v3/lease/grant.
type LeaseGrantResponse struct {
	Header ResponseHeader `json:"header"`
	ID     int64          `json:"ID,string"`
	TTL    int64          `json:"TTL,string"`
	Error  string         `json:"error,omitempty"`
}

// LeaseKeepAliveRequest is the body of POST /v3/lease/keepalive.
type LeaseKeepAliveRequest struct {
	ID int64 `json:"ID,string"`
}

// LeaseKeepAliveResult is the nested "result" object of a keepalive response.
type LeaseKeepAliveResult struct {
	Header ResponseHeader `json:"header"`
	ID     int64          `json:"ID,string"`
	TTL    int64          `json:"TTL,string"`
}

// LeaseKeepAliveResponse is the body returned by POST /v3/lease/keepalive.
type LeaseKeepAliveResponse struct {
	Result LeaseKeepAliveResult `json:"result"`
}

// LeaseRevokeRequest is the body of POST /v3/lease/revoke.
type LeaseRevokeRequest struct {
	ID int64 `json:"ID,string"`
}

// AuthenticateRequest is the body of POST /v3/auth/authenticate.
type AuthenticateRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// AuthenticateResponse is the body returned by POST /v3/auth/authenticate.
type AuthenticateResponse struct {
	Header ResponseHeader `json:"header"`
	Token  string         `json:"token"`
}

// UserGetRequest is the body of POST /v3/auth/user/get, used purely as a
// renewal heartbeat for the bearer token.
type UserGetRequest struct {
	Name string `json:"name"`
}

// Member describes one cluster member as returned by member/list.
type Member struct {
	ID         uint64   `json:"ID,string"`
	Name       string   `json:"name"`
	PeerURLs   []string `json:"peerURLs"`
	ClientURLs []string `json:"clientURLs"`
}

// MemberListResponse is the body returned by POST /v3/cluster/member/list.
type MemberListResponse struct {
	Header  ResponseHeader `json:"header"`
	Members []Member       `json:"members"`
}

// WatchCreateRequest is the nested "create_request" of a watch stream's
// first frame.
type WatchCreateRequest struct {
	Key            string `json:"key"`
	RangeEnd       string `json:"range_end,omitempty"`
	StartRevision  int64  `json:"start_revision,string,omitempty"`
	PrevKv         bool   `json:"prev_kv,omitempty"`
	ProgressNotify bool   `json:"progress_notify,omitempty"`
}

// WatchRequest is the outer envelope POSTed to /v3/watch.
type WatchRequest struct {
	CreateRequest *WatchCreateRequest `json:"create_request,omitempty"`
}

// WatchEventType distinguishes PUT from DELETE within a watch notification.
type WatchEventType string

// The two wire-level event kinds a watch notification can carry.
const (
	WatchEventPut    WatchEventType = "PUT"
	WatchEventDelete WatchEventType = "DELETE"
)

// WatchEvent is one mutation reported by a watch notification.
type WatchEvent struct {
	Type   WatchEventType `json:"type"`
	Kv     KeyValue       `json:"kv"`
	PrevKv *KeyValue      `json:"prev_kv,omitempty"`
}

// WatchResult is the nested "result" object of each streamed watch frame.
type WatchResult struct {
	Header          ResponseHeader `json:"header"`
	WatchID         int64          `json:"watch_id,string,omitempty"`
	Created         bool           `json:"created,omitempty"`
	Canceled        bool           `json:"canceled,omitempty"`
	CompactRevision int64          `json:"compact_revision,string,omitempty"`
	Events          []WatchEvent   `json:"events,omitempty"`
}

// WatchResponse is one frame of the streaming watch body.
type WatchResponse struct {
	Result WatchResult `json:"result"`
}
