// Package rtc publishes the ICE servers browsers use to connect their peer
// connections. Media flows peer to peer; the server never terminates it.
package rtc

import (
	"fmt"
	"strings"

	"github.com/dkeye/Proctor/internal/config"
	"github.com/pion/webrtc/v4"
)

var iceSchemes = []string{"stun:", "stuns:", "turn:", "turns:"}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// NewWebRTCConfig converts configured ICE servers. TURN servers must carry
// credentials.
func NewWebRTCConfig(servers []config.ICEServer) (webrtc.Configuration, error) {
	if len(servers) == 0 {
		return DefaultWebRTCConfig(), nil
	}
	out := webrtc.Configuration{ICEServers: make([]webrtc.ICEServer, 0, len(servers))}
	for i, s := range servers {
		if len(s.URLs) == 0 {
			return webrtc.Configuration{}, fmt.Errorf("ice server %d has no urls", i)
		}
		for _, u := range s.URLs {
			if !hasScheme(u) {
				return webrtc.Configuration{}, fmt.Errorf("ice server %d: unsupported url %q", i, u)
			}
			if strings.HasPrefix(u, "turn") && (s.Username == "" || s.Credential == "") {
				return webrtc.Configuration{}, fmt.Errorf("ice server %d: %s needs username and credential", i, u)
			}
		}
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out.ICEServers = append(out.ICEServers, srv)
	}
	return out, nil
}

func hasScheme(u string) bool {
	for _, s := range iceSchemes {
		if strings.HasPrefix(u, s) {
			return true
		}
	}
	return false
}
