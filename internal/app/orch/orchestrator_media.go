package orch

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

// SummarizeSDP extracts what the audit trail keeps of a session
// description: its type and the kinds of media it negotiates. The SDP body
// itself is forwarded but never stored.
func SummarizeSDP(desc webrtc.SessionDescription) map[string]any {
	out := map[string]any{"sdp_type": desc.Type.String()}
	parsed, err := desc.Unmarshal()
	if err != nil {
		out["media"] = []string{}
		out["parse_error"] = true
		return out
	}
	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		kinds = append(kinds, md.MediaName.Media)
	}
	out["media"] = lo.Uniq(kinds)
	return out
}

// summarizePayload summarizes a relayed description payload if it is a flat
// session description. Any other shape is still relayed and only marked
// with parse_error here.
func summarizePayload(raw json.RawMessage) map[string]any {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil || desc.SDP == "" {
		return map[string]any{"media": []string{}, "parse_error": true}
	}
	return SummarizeSDP(desc)
}
