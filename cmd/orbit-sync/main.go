// ABOUTME: Entry point for orbit-sync, the realtime state sync client
// ABOUTME: Runs a live session, one-shot preloads and journal inspection from the terminal

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/orbit-sync/internal/api"
	"github.com/2389/orbit-sync/internal/config"
	"github.com/2389/orbit-sync/internal/dedupe"
	"github.com/2389/orbit-sync/internal/feed"
	"github.com/2389/orbit-sync/internal/journal"
	"github.com/2389/orbit-sync/internal/metrics"
	"github.com/2389/orbit-sync/internal/preload"
	"github.com/2389/orbit-sync/internal/session"
	"github.com/2389/orbit-sync/internal/state"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _     _ _
  ___ | |__ (_) |_      ___ _   _ _ __   ___
 / _ \| '_ \| | __|____/ __| | | | '_ \ / __|
| (_) | |_) | | ||_____\__ \ |_| | | | | (__
 \___/|_.__/|_|\__|    |___/\__, |_| |_|\___|
                            |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: orbit-sync <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run                Start a live sync session")
		fmt.Println("  preload            Fetch one snapshot and print a summary")
		fmt.Println("  journal [-n N]     Show recent mutation journal entries")
		fmt.Println("  version            Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runSession(ctx)
	case "preload":
		err = runPreload(ctx)
	case "journal":
		err = runJournal(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path, err := config.DefaultPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// checkToken rejects an expired token before any request is made. Opaque
// tokens that are not JWTs are passed through for the server to judge.
func checkToken(token string, logger *slog.Logger) error {
	viewer, err := api.ViewerFromToken(token, time.Now())
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		return fmt.Errorf("session token expired at %s: %w", viewer.ExpiresAt.Format(time.RFC3339), err)
	case err != nil:
		logger.Debug("token is not a readable jwt", "error", err)
	default:
		logger.Debug("token viewer", "viewer", viewer.ID, "expires_at", viewer.ExpiresAt)
	}
	return nil
}

func runSession(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	if err := checkToken(cfg.API.Token, logger); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("API:      %s\n", cfg.API.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Feed:     %s\n", cfg.Feed.URL)
	green.Print("    ▶ ")
	fmt.Printf("Journal:  %s\n", cfg.Journal.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:  http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	fmt.Println()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	j, err := journal.Open(cfg.Journal.Path, journal.Options{Buffer: cfg.Journal.Buffer, Metrics: m, Logger: logger})
	if err != nil {
		return err
	}
	defer j.Close()

	fc := feed.NewClient(feed.Options{
		URL:   cfg.Feed.URL,
		Token: cfg.API.Token,
		Settings: feed.Settings{
			HandshakeTimeout: cfg.Feed.HandshakeTimeout,
			SubscribeTimeout: cfg.Feed.SubscribeTimeout,
			PingInterval:     cfg.Feed.PingInterval,
			ReadTimeout:      cfg.Feed.ReadTimeout,
		},
		Dedupe:  dedupe.New(cfg.Feed.DedupeTTL, cfg.Feed.DedupeSize),
		Metrics: m,
		Logger:  logger,
	})
	defer fc.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sess := session.New(session.Deps{
		API:     api.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout),
		Feed:    fc,
		Journal: j,
		Metrics: m,
		Settings: session.Settings{
			RefetchDebounce:      cfg.Sync.RefetchDebounce,
			ReconnectBackoff:     cfg.Sync.ReconnectBackoff,
			MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
			MessageWindow:        cfg.Sync.MessageWindow,
			PresenceTopic:        cfg.Presence.Topic,
			HeartbeatInterval:    cfg.Presence.HeartbeatInterval,
		},
		OnUnauthorized: func() { cancel(api.ErrUnauthorized) },
		Logger:         logger,
	})
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Warn("closing session", "error", err)
		}
	}()

	changes := sess.Store().Watch(ctx)
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	printSummary(sess.Store())

	visibility := make(chan os.Signal, 1)
	signal.Notify(visibility, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(visibility)

	logger.Info("session live", "topics", len(sess.Health()))
	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, api.ErrUnauthorized) {
				return fmt.Errorf("session ended: %w", cause)
			}
			logger.Info("shutting down")
			return nil
		case sig := <-visibility:
			visible := sig == syscall.SIGUSR2
			if err := sess.SetVisible(ctx, visible); err != nil {
				logger.Warn("changing visibility", "visible", visible, "error", err)
			}
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			printChange(sess.Store(), c)
		}
	}
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	return srv
}

func printChange(store *state.Store, c state.Change) {
	gray := color.New(color.FgHiBlack)
	gray.Printf("%s ", time.Now().Format("15:04:05"))

	switch c.Slice {
	case state.SliceMessages:
		msgs := store.Messages(c.Conversation)
		fmt.Printf("messages  %s (%d cached)", c.Conversation, len(msgs))
		if n := len(msgs); n > 0 {
			last := msgs[n-1]
			gray.Printf("  %s: %s", last.SenderID, oneLine(last.Text()))
		}
		fmt.Println()
	case state.SliceConversations:
		fmt.Printf("threads   %d conversations, %d unread\n", len(store.Conversations()), store.TotalUnread())
	case state.SliceFriends:
		f := store.Friends()
		fmt.Printf("friends   %d friends, %d pending\n", len(f.Friends), len(f.Requests))
	case state.SlicePresence:
		fmt.Printf("presence  %d online\n", len(store.Online()))
	case state.SliceProfile:
		if p, ok := store.Viewer(); ok {
			fmt.Printf("profile   %s\n", p.DisplayName)
		} else {
			fmt.Println("profile   cleared")
		}
	default:
		fmt.Printf("%-9s changed\n", c.Slice)
	}
}

func printSummary(store *state.Store) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	bold := color.New(color.Bold)

	if p, ok := store.Viewer(); ok {
		bold.Printf("%s", p.DisplayName)
		fmt.Printf(" (%s)\n", p.ID)
	}
	f := store.Friends()
	fmt.Printf("  friends: %d  pending requests: %d\n", len(f.Friends), len(f.Requests))
	if place, ok := store.CurrentPlace(); ok {
		fmt.Printf("  place:   %s\n", place.Name)
	}

	convs := store.Conversations()
	fmt.Printf("  conversations: %d  unread: ", len(convs))
	if total := store.TotalUnread(); total > 0 {
		yellow.Printf("%d\n", total)
	} else {
		green.Println("0")
	}
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = c.Ref().String()
		}
		fmt.Printf("    %-24s", title)
		if c.UnreadCount > 0 {
			yellow.Printf(" %3d", c.UnreadCount)
		} else {
			fmt.Print("    ")
		}
		color.New(color.FgHiBlack).Printf("  %s\n", oneLine(c.LastMessagePreview))
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func runPreload(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)
	if err := checkToken(cfg.API.Token, logger); err != nil {
		return err
	}

	store := state.New(state.Options{MessageWindow: cfg.Sync.MessageWindow, Logger: logger})
	loader := preload.New(preload.Options{
		Source: api.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout),
		Store:  store,
		Window: cfg.Sync.MessageWindow,
		Logger: logger,
	})

	start := time.Now()
	if err := loader.Load(ctx); err != nil {
		return fmt.Errorf("preload %s: %w", loader.State(), err)
	}
	printSummary(store)
	color.New(color.FgHiBlack).Printf("\n  loaded in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runJournal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	limit := fs.Int("n", 20, "Number of entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	j, err := journal.Open(cfg.Journal.Path, journal.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no journal entries")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, e := range entries {
		gray.Printf("%s ", e.Timestamp.Local().Format("2006-01-02 15:04:05"))
		switch e.Outcome {
		case journal.OutcomeConfirmed:
			color.New(color.FgGreen).Printf("%-11s", e.Outcome)
		case journal.OutcomeRolledBack:
			color.New(color.FgYellow).Printf("%-11s", e.Outcome)
		default:
			color.New(color.FgRed).Printf("%-11s", e.Outcome)
		}
		fmt.Printf(" %-22s %s", e.Action, e.Target)
		if e.Error != "" {
			gray.Printf("  %s", e.Error)
		}
		fmt.Println()
	}
	return nil
}
