package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go-tgchat/apiclient"
	"go-tgchat/internal/chat"
	"go-tgchat/internal/middleware"
	"go-tgchat/relayclient"

	"github.com/spf13/viper"
)

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	saved    atomic.Int64
	failures atomic.Int64
}

type options struct {
	apiURL   string
	relayURL string
	secret   string
	pairs    int
	msgs     int
	interval time.Duration
	settle   time.Duration
}

func main() {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("API_URL", "http://localhost:8080/api")
	v.SetDefault("RELAY_URL", "ws://localhost:8080/ws")

	var opts options
	flag.StringVar(&opts.apiURL, "api", v.GetString("API_URL"), "REST base URL")
	flag.StringVar(&opts.relayURL, "ws", v.GetString("RELAY_URL"), "relay URL")
	flag.StringVar(&opts.secret, "secret", v.GetString("JWT_SECRET"), "HS256 secret used to mint tokens; empty sends none")
	flag.IntVar(&opts.pairs, "pairs", 50, "number of chatting user pairs")
	flag.IntVar(&opts.msgs, "msgs", 20, "messages per user")
	flag.DurationVar(&opts.interval, "interval", 10*time.Millisecond, "delay between messages")
	flag.DurationVar(&opts.settle, "settle", 2*time.Second, "time to wait for deliveries after sending")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("starting load test", "users", opts.pairs*2, "messages_each", opts.msgs)

	var (
		st stats
		wg sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < opts.pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(context.Background(), opts, pairID, &st, logger); err != nil {
				st.failures.Add(1)
				logger.Error("pair failed", "pair", pairID, "error", err)
			}
		}(i)
	}
	wg.Wait()

	expected := int64(opts.pairs * 2 * opts.msgs)
	logger.Info("load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"saved", st.saved.Load(),
		"received", st.received.Load(),
		"expected", expected,
		"failed_pairs", st.failures.Load(),
	)
	if st.failures.Load() > 0 || st.received.Load() < expected {
		os.Exit(1)
	}
}

// runPair has user A open a private chat with user B, then both sides send
// msgs messages while counting what the other side delivers.
func runPair(ctx context.Context, opts options, pairID int, st *stats, logger *slog.Logger) error {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	api := apiclient.New(opts.apiURL)
	if opts.secret != "" {
		token, err := middleware.SignToken(opts.secret, userA, time.Hour)
		if err != nil {
			return err
		}
		api.SetToken(token)
	}

	for _, id := range []string{userA, userB} {
		if _, err := api.UpsertUser(ctx, apiclient.UpsertUserRequest{ID: id, Username: id, DisplayName: id}); err != nil {
			return fmt.Errorf("upsert %s: %w", id, err)
		}
	}
	c, err := api.CreateChat(ctx, apiclient.CreateChatRequest{
		Name:         userA + "+" + userB,
		Type:         chat.ChatPrivate,
		Participants: []string{userA, userB},
		CreatedBy:    userA,
	})
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}

	clients := make([]*relayclient.Client, 0, 2)
	defer func() {
		for _, rc := range clients {
			rc.Close()
		}
	}()
	for _, id := range []string{userA, userB} {
		rc, err := connect(ctx, opts, id, c.ID, st, logger)
		if err != nil {
			return err
		}
		clients = append(clients, rc)
	}
	// join_chat has no acknowledgement.
	time.Sleep(100 * time.Millisecond)

	var wg sync.WaitGroup
	for i, rc := range clients {
		wg.Add(1)
		go func(rc *relayclient.Client, user string) {
			defer wg.Done()
			for n := 0; n < opts.msgs; n++ {
				draft := chat.MessageDraft{Content: fmt.Sprintf("LoadTest Msg %d from %s", n, user), Type: chat.MessageText}
				if err := rc.SendMessage(ctx, c.ID, draft); err != nil {
					logger.Warn("send failed", "user", user, "error", err)
					return
				}
				st.sent.Add(1)
				time.Sleep(opts.interval)
			}
		}(rc, []string{userA, userB}[i])
	}
	wg.Wait()
	time.Sleep(opts.settle)
	return nil
}

func connect(ctx context.Context, opts options, userID, chatID string, st *stats, logger *slog.Logger) (*relayclient.Client, error) {
	cfg := relayclient.DefaultConfig(opts.relayURL)
	if opts.secret != "" {
		token, err := middleware.SignToken(opts.secret, userID, time.Hour)
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}

	rc := relayclient.New(cfg)
	rc.SetLogger(logger)
	rc.OnMessageReceived(func(json.RawMessage) { st.received.Add(1) })
	rc.OnMessageSaved(func(json.RawMessage) { st.saved.Add(1) })
	rc.OnError(func(err error) { logger.Warn("relay error", "user", userID, "error", err) })

	if err := rc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", userID, err)
	}
	if err := rc.Authenticate(ctx, userID); err != nil {
		rc.Close()
		return nil, fmt.Errorf("authenticate %s: %w", userID, err)
	}
	if err := rc.JoinChat(ctx, chatID); err != nil {
		rc.Close()
		return nil, fmt.Errorf("join %s: %w", userID, err)
	}
	return rc, nil
}
