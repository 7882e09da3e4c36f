package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MikeSquared-Agency/ragchat/internal/api"
	"github.com/MikeSquared-Agency/ragchat/internal/config"
	"github.com/MikeSquared-Agency/ragchat/internal/console"
	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
	"github.com/MikeSquared-Agency/ragchat/internal/gateway"
	"github.com/MikeSquared-Agency/ragchat/internal/hermes"
	"github.com/MikeSquared-Agency/ragchat/internal/orchestrator"
	"github.com/MikeSquared-Agency/ragchat/internal/prefs"
	"github.com/MikeSquared-Agency/ragchat/internal/staging"
	"github.com/MikeSquared-Agency/ragchat/internal/store"
)

const usage = `usage: ragchat [command] [flags]

commands:
  chat      interactive console (default)
  serve     local HTTP API only
  watch     print settlement events from NATS
  sessions  list recorded sessions (needs DATABASE_URL)
`

func main() {
	cfg := config.Load()
	closeLog := setupLogging(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	cmd, args := "chat", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "chat":
		err = runChat(ctx, cfg, args, true)
	case "serve":
		err = runChat(ctx, cfg, args, false)
	case "watch":
		err = runWatch(ctx, cfg)
	case "sessions":
		err = runSessions(ctx, cfg)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("ragchat failed", "command", cmd, "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		closeLog()
		os.Exit(1)
	}
}

// runChat wires the client core and runs the console, the API, or both.
func runChat(ctx context.Context, cfg config.Config, args []string, interactive bool) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	sessionFlag := fs.String("session", "", "resume a recorded session by ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sessionID := uuid.New()
	if *sessionFlag != "" {
		id, err := uuid.Parse(*sessionFlag)
		if err != nil {
			return fmt.Errorf("parse session id: %w", err)
		}
		sessionID = id
	}

	slog.Info("ragchat starting",
		"session_id", sessionID,
		"backend", cfg.BackendURL,
		"interactive", interactive,
	)

	pr, err := prefs.Load(cfg.PrefsPath)
	if err != nil {
		slog.Warn("failed to load preferences, using defaults", "error", err)
	}

	// History persistence (optional)
	var recorder conversation.Recorder
	if cfg.DatabaseURL != "" {
		db, err := openStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		recorder = db
		slog.Info("database connected")
	}

	log := conversation.NewLog(sessionID, recorder, slog.Default())
	if err := log.Restore(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	client := gateway.NewClient(cfg.BackendURL, cfg.HTTPTimeout, slog.Default())
	chats := gateway.NewCachedLister(client, cfg.ChatsTTL)
	st := staging.NewStore()

	orch := orchestrator.New(st, log, client, orchestrator.Config{
		SubmitTimeout: cfg.SubmitTimeout,
		FlashInterval: cfg.FlashInterval,
	}, slog.Default())
	orch.OnTransition(func(tr orchestrator.Transition) {
		// A new exchange may have created a backend conversation.
		if tr.To == orchestrator.SettledSuccess {
			chats.Invalidate()
		}
	})

	// NATS/Hermes (optional)
	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Warn("NATS unavailable, settlement events disabled", "error", err)
		} else {
			defer hermesClient.Close()
			orch.SetPublisher(hermesClient)
			slog.Info("NATS connected", "url", cfg.NatsURL)
		}
	}

	if cfg.APIPort <= 0 && !interactive {
		return fmt.Errorf("serve needs RAGCHAT_API_PORT")
	}

	// The notifier must be in place before the API can accept a submission.
	var c *console.Console
	if interactive {
		tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
		c = console.New(os.Stdin, os.Stdout, st, log, orch, pr, chats, slog.Default(), console.Options{
			NoColor: !tty,
			Prompt:  tty,
		})
	} else {
		orch.SetNotifier(orchestrator.NotifierFunc(func(msg string) {
			slog.Warn("submission failed", "message", msg)
		}))
	}

	if cfg.APIPort > 0 {
		srv := api.NewServer(cfg.APIPort, cfg.APIToken, orch, st, log, slog.Default())
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("HTTP server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if !interactive {
		slog.Info("ragchat serving", "port", cfg.APIPort)
		<-ctx.Done()
		orch.Cancel()
		if t := orch.Current(); t != nil {
			t.Wait()
		}
		slog.Info("ragchat stopped")
		return nil
	}

	err = c.Run(ctx)
	slog.Info("ragchat stopped", "exchanges", log.Len())
	return err
}

func runWatch(ctx context.Context, cfg config.Config) error {
	if cfg.NatsURL == "" {
		return fmt.Errorf("watch needs NATS_URL")
	}
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		return err
	}
	defer hermesClient.Close()

	err = hermesClient.Subscribe(hermes.SubjectSettled, func(subject string, data []byte) {
		var evt hermes.SettlementEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("bad settlement event", "subject", subject, "error", err)
			return
		}
		printEvent(os.Stdout, evt)
	})
	if err != nil {
		return err
	}
	slog.Info("watching settlements", "subject", hermes.SubjectSettled)
	<-ctx.Done()
	return nil
}

func printEvent(w io.Writer, evt hermes.SettlementEvent) {
	if evt.Outcome == "success" {
		fmt.Fprintf(w, "%s ok   session=%s files=%d sources=%d %dms %q\n",
			time.Now().Format(time.TimeOnly), evt.SessionID, evt.Files, evt.Sources, evt.DurationMS, evt.Question)
		return
	}
	fmt.Fprintf(w, "%s FAIL session=%s step=%s %dms: %s\n",
		time.Now().Format(time.TimeOnly), evt.SessionID, evt.Step, evt.DurationMS, evt.Error)
}

func runSessions(ctx context.Context, cfg config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("sessions needs DATABASE_URL")
	}
	db, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.ListSessions(ctx, 20)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no recorded sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %s  %3d  %s\n",
			s.SessionID, s.LastActivity.Local().Format("2006-01-02 15:04"), s.Exchanges, s.FirstQuestion)
	}
	return nil
}

func openStore(ctx context.Context, databaseURL string) (*store.Store, error) {
	db, err := store.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// setupLogging installs a JSON slog handler. Logs go to a rotating file
// unless file is "-", which keeps the console clean.
func setupLogging(level, file string) func() {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if file != "" && file != "-" {
		lj := &lumberjack.Logger{
			Filename:   prefs.ExpandHome(file),
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28,
		}
		out = lj
		closeFn = func() { lj.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return closeFn
}
