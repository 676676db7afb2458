// Command demo-client joins a huddle room through a running relay with a
// synthetic camera track, prints membership and chat traffic, and answers
// negotiation from other participants. It exists for manual end-to-end
// testing against a local relay:
//
//	go run ./cmd/huddle-relay &
//	go run ./e2e/demo-client -url ws://127.0.0.1:8080/signal -room demo -name alice
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/client"
	"github.com/huddlekit/huddle/internal/peer"
	signalmsg "github.com/huddlekit/huddle/internal/signal"
)

func main() {
	var (
		wsURL = flag.String("url", "ws://127.0.0.1:8080/signal", "relay signaling endpoint")
		room  = flag.String("room", "demo", "room to join")
		name  = flag.String("name", "demo", "display name")
		chat  = flag.String("chat", "hello from demo-client", "chat message sent after joining (empty to skip)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	iceServers, err := fetchICEServers(*wsURL)
	if err != nil {
		logger.Warn("could not fetch ICE servers; continuing with host candidates only", "err", err)
	}

	api := peer.NewPionAPI(peer.PionConfig{ICEServers: iceServers})

	newSession := func(remoteID string, channel peer.Channel) (peer.MediaSession, error) {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			fmt.Sprintf("camera-%s-%s", *name, channel), "huddle")
		if err != nil {
			return nil, err
		}
		return peer.NewPionSession(api, peer.PionConfig{ICEServers: iceServers}, peer.WrapLocalTrack(track))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, client.Config{
		URL:         *wsURL,
		Room:        *room,
		DisplayName: *name,
		Logger:      logger,
		NewSession:  newSession,
		OnDegraded: func(remoteID string) {
			logger.Warn("link degraded; media to this peer is down until it rejoins", "remote", remoteID)
		},
		Handlers: client.Handlers{
			OnWelcome: func(selfID string, users []signalmsg.UserInfo) {
				logger.Info("joined", "self", selfID, "members", len(users))
			},
			OnUserJoined: func(user signalmsg.UserInfo) {
				logger.Info("user joined", "id", user.ID, "name", user.Name)
			},
			OnUserLeft: func(user signalmsg.UserInfo) {
				logger.Info("user left", "id", user.ID, "name", user.Name)
			},
			OnChat: func(msg signalmsg.ChatMessage) {
				fmt.Printf("[%s] %s\n", msg.Sender, msg.Text)
			},
			OnChatHistory: func(msgs []signalmsg.ChatMessage) {
				for _, msg := range msgs {
					fmt.Printf("(history) [%s] %s\n", msg.Sender, msg.Text)
				}
			},
			OnServerError: func(code, message string) {
				logger.Error("relay error", "code", code, "message", message)
			},
		},
	})
	if err != nil {
		logger.Error("dial failed", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	if *chat != "" {
		c.SendChat(*chat, nil)
	}

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("client exited", "err", err)
		os.Exit(1)
	}
	c.Leave()
}

// fetchICEServers derives the HTTP base from the signaling URL and asks the
// relay's /webrtc/ice endpoint for the STUN/TURN configuration.
func fetchICEServers(wsURL string) ([]webrtc.ICEServer, error) {
	base := strings.Replace(wsURL, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.TrimSuffix(base, "/signal")

	resp, err := http.Get(base + "/webrtc/ice")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from /webrtc/ice", resp.StatusCode)
	}

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.ICEServers, nil
}
