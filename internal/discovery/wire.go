package discovery

import "encoding/json"

// MarshalPeerRecord encodes rec per the registry's peer record JSON wire
// convention: field names preserved, int64/uint64 fields quoted so values
// outside the safe JS integer range survive round-trip.
func MarshalPeerRecord(rec *PeerRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// UnmarshalPeerRecord decodes a PeerRecord, ignoring unknown fields so a
// watcher tolerates newer fields written by a peer running a newer build.
func UnmarshalPeerRecord(data []byte) (*PeerRecord, error) {
	rec := &PeerRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarshalTopologyRecord encodes rec using the same wire convention.
func MarshalTopologyRecord(rec *TopologyRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// UnmarshalTopologyRecord decodes a TopologyRecord leniently.
func UnmarshalTopologyRecord(data []byte) (*TopologyRecord, error) {
	rec := &TopologyRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
