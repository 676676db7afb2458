package signal

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestParseEnvelope_Join(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"kind":"join","room":"standup","displayName":"Ada"}`))
	if err != nil {
		t.Fatalf("parse join: %v", err)
	}
	if env.Kind != KindJoin || env.Room != "standup" || env.DisplayName != "Ada" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseEnvelope_RejectsUnknownFields(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"kind":"leave","bogus":true}`)); err == nil {
		t.Fatalf("expected unknown field rejection")
	}
}

func TestParseEnvelope_RejectsTrailingData(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"kind":"leave"}{}`)); err == nil {
		t.Fatalf("expected trailing data rejection")
	}
}

func TestParseEnvelope_Validation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"offer ok", `{"kind":"offer","to":"b","description":{"type":"offer","sdp":"v=0"}}`, true},
		{"offer missing to", `{"kind":"offer","description":{"type":"offer","sdp":"v=0"}}`, false},
		{"offer wrong sdp type", `{"kind":"offer","to":"b","description":{"type":"answer","sdp":"v=0"}}`, false},
		{"answer ok", `{"kind":"answer","to":"b","description":{"type":"answer","sdp":"v=0"}}`, true},
		{"candidate ok", `{"kind":"candidate","to":"b","candidate":{"candidate":"candidate:1"}}`, true},
		{"candidate missing payload", `{"kind":"candidate","to":"b"}`, false},
		{"screen-offer ok", `{"kind":"screen-offer","to":"b","description":{"type":"offer","sdp":"v=0"}}`, true},
		{"join missing name", `{"kind":"join","room":"x"}`, false},
		{"toggle ok", `{"kind":"toggle-video","on":false}`, true},
		{"toggle missing on", `{"kind":"toggle-audio"}`, false},
		{"chat edit missing text", `{"kind":"chat-edit","messageId":"m1"}`, false},
		{"chat pin ok", `{"kind":"chat-pin","messageId":"m1","pin":true}`, true},
		{"unknown kind", `{"kind":"teleport"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestEnvelope_Directed(t *testing.T) {
	directed := []Kind{KindOffer, KindAnswer, KindCandidate, KindScreenOffer, KindScreenAnswer, KindScreenCandidate}
	for _, k := range directed {
		if !(Envelope{Kind: k}).Directed() {
			t.Errorf("%s should be directed", k)
		}
	}
	for _, k := range []Kind{KindJoin, KindChatMessage, KindToggleVideo, KindUserJoined} {
		if (Envelope{Kind: k}).Directed() {
			t.Errorf("%s should not be directed", k)
		}
	}
}

func TestNewMessageID(t *testing.T) {
	before := time.Now().UnixMilli()
	id := NewMessageID()
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 || parts[1] == "" {
		t.Fatalf("unexpected id format %q", id)
	}
	if id == NewMessageID() {
		t.Fatalf("expected distinct ids")
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("timestamp prefix not numeric: %q", id)
	}
	if ms < before {
		t.Fatalf("timestamp prefix went backwards: %d < %d", ms, before)
	}
}
