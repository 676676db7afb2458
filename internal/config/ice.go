package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "HUDDLE_ICE_SERVERS_JSON"

	envStunURLs       = "HUDDLE_STUN_URLS"
	envTurnURLs       = "HUDDLE_TURN_URLS"
	envTurnUsername   = "HUDDLE_TURN_USERNAME"
	envTurnCredential = "HUDDLE_TURN_CREDENTIAL"
)

// parseICEServersFromValues resolves the ICE server list from whichever
// source is set. The JSON form wins; the convenience vars exist for the
// common one-STUN-one-TURN deployment.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

// iceServerSpec mirrors the browser RTCIceServer dictionary, where "urls"
// may be a single string or an array.
type iceServerSpec struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*l = urlList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (s iceServerSpec) toPion() (webrtc.ICEServer, error) {
	urls := make([]string, 0, len(s.URLs))
	needCreds := false
	for _, raw := range s.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return webrtc.ICEServer{}, fmt.Errorf("malformed ice url %q", u)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			needCreds = true
		default:
			return webrtc.ICEServer{}, fmt.Errorf("unsupported url scheme: %q", u)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}

	username := strings.TrimSpace(s.Username)
	credential := strings.TrimSpace(s.Credential)
	if needCreds && (username == "" || credential == "") {
		return webrtc.ICEServer{}, errors.New("turn urls require username and credential")
	}

	out := webrtc.ICEServer{URLs: urls, Username: username}
	if credential != "" {
		out.Credential = credential
	}
	return out, nil
}

// ParseICEServersJSON parses and validates the HUDDLE_ICE_SERVERS_JSON value:
// a JSON array of RTCIceServer-shaped objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var specs []iceServerSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(specs))
	for i, spec := range specs {
		server, err := spec.toPion()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the flat
// HUDDLE_STUN_URLS / HUDDLE_TURN_URLS vars. URL lists are comma-separated;
// TURN requires both username and credential.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stunList := splitCommaSeparated(stunURLs); len(stunList) > 0 {
		server, err := iceServerSpec{URLs: stunList}.toPion()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turnList := splitCommaSeparated(turnURLs); len(turnList) > 0 {
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := iceServerSpec{URLs: turnList, Username: turnUsername, Credential: turnCredential}.toPion()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
