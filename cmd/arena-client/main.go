// Command arena-client is a demo client: it joins a challenge, streams
// synthetic position updates through the delta sync engine, fires scoring
// actions, and prints leaderboard changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/client"
	"github.com/mcdev12/arena/internal/protocol"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080", "gateway base URL")
	challengeID := flag.String("challenge", "demo-challenge", "challenge to join")
	playerID := flag.String("player", fmt.Sprintf("player-%d", rand.Intn(10000)), "player identity")
	mobile := flag.Bool("mobile", false, "present as a mobile device")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	userAgent := "arena-client/1.0"
	if *mobile {
		userAgent = "arena-client/1.0 (Mobile; Android)"
	}

	c := client.New(client.Config{
		ServerURL:   *serverURL,
		ChallengeID: *challengeID,
		PlayerID:    *playerID,
		UserAgent:   userAgent,
		Backoff:     client.DefaultBackoffConfig(),
		Quality:     client.DefaultQualityConfig(),
		Callbacks: client.Callbacks{
			OnLeaderboard: printLeaderboard,
			OnParticipant: func(t protocol.MessageType, p *protocol.ParticipantPayload) {
				log.Info().Str("event", string(t)).Str("player_id", p.PlayerID).Msg("participant change")
			},
			OnConnState: func(s client.ConnState) {
				if s == client.StateGaveUp {
					log.Error().Msg("gave up reconnecting, going offline")
				}
			},
			OnResync: func(version uint64) {
				log.Info().Uint64("version", version).Msg("resynced with server")
			},
		},
	}, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer c.Close()

	// Simulate gameplay: fine-grained movement every frame, a scoring
	// action every few seconds.
	frame := time.NewTicker(33 * time.Millisecond)
	score := time.NewTicker(3 * time.Second)
	defer frame.Stop()
	defer score.Stop()

	x, y := 0.0, 0.0
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case <-frame.C:
			x += rand.Float64() - 0.5
			y += rand.Float64() - 0.5
			c.SetLocal("position_x", x)
			c.SetLocal("position_y", y)
		case <-score.C:
			if err := c.SendAction("checkpoint", float64(rand.Intn(50)+10), nil); err != nil {
				log.Warn().Err(err).Msg("action send failed")
			}
		}
	}
}

func printLeaderboard(p *protocol.LeaderboardUpdatePayload) {
	for _, e := range p.Entries {
		fmt.Printf("  #%d %-20s %8.0f (%s)\n", e.Rank, e.PlayerID, e.Score, e.Trend)
	}
}
