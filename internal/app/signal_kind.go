package app

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// classifySignal labels an opaque signaling payload for logs and metrics.
// The payload itself is relayed untouched.
func classifySignal(payload json.RawMessage) string {
	if kind, ok := sdpKind(payload); ok {
		return kind
	}
	if isCandidate(payload) {
		return "candidate"
	}
	var wrapped struct {
		SDP       json.RawMessage `json:"sdp"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil {
		if kind, ok := sdpKind(wrapped.SDP); ok {
			return kind
		}
		if isCandidate(wrapped.Candidate) {
			return "candidate"
		}
	}
	return "unknown"
}

func sdpKind(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil || sd.SDP == "" {
		return "", false
	}
	return sd.Type.String(), true
}

func isCandidate(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var c webrtc.ICECandidateInit
	return json.Unmarshal(raw, &c) == nil && c.Candidate != ""
}
