package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rocketterm/rocketterm"
)

// ============================================================================
// Logging
// ============================================================================

// openLogger returns a logger writing to the configured log file. Without
// a log file everything is discarded, the terminal belongs to the UI.
func openLogger(cfg *Config) (*slog.Logger, io.Closer, error) {
	if cfg.Log.File == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), io.NopCloser(nil), nil
	}
	var level slog.Level
	if cfg.Log.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
		}
	}
	f, err := os.OpenFile(expandPath(cfg.Log.File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})), f, nil
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}

// ============================================================================
// Connection setup
// ============================================================================

// session bundles the objects of one logged in connection.
type session struct {
	cfg   *Config
	log   *slog.Logger
	comm  *rocketterm.Comm
	ctl   *rocketterm.Controller
	hooks *rocketterm.HookRunner
	login *rocketterm.LoginResult

	logCloser io.Closer
}

func (s *session) Close() {
	if s.ctl != nil && s.ctl.Started() {
		s.ctl.Stop()
	}
	if s.comm != nil {
		s.comm.Close()
	}
	s.logCloser.Close()
}

// loginData picks the stored token, falling back to the password.
func loginData(cfg *Config) (rocketterm.LoginData, error) {
	switch {
	case cfg.Auth.Token != "":
		return rocketterm.TokenLogin{Token: cfg.Auth.Token}, nil
	case cfg.Auth.Username != "" && cfg.Auth.Password != "":
		return rocketterm.PasswordLogin{Username: cfg.Auth.Username, Password: cfg.Auth.Password}, nil
	}
	return nil, errors.New("not logged in; run 'rocketterm login <username>' first")
}

func durationOr(value string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return def
}

// dial connects to the configured server and logs in.
func dial(ctx context.Context, cfg *Config, log *slog.Logger, login rocketterm.LoginData) (*rocketterm.Comm, *rocketterm.LoginResult, error) {
	if cfg.Server.URL == "" {
		return nil, nil, errors.New("no server configured; run 'rocketterm init <server-url>' first")
	}

	restOpts := []rocketterm.RESTOption{rocketterm.WithRESTLogger(log)}
	if cfg.Client.RESTRate > 0 {
		restOpts = append(restOpts, rocketterm.WithRateLimit(cfg.Client.RESTRate, 5))
	}
	rest := rocketterm.NewRESTClient(cfg.Server.URL, restOpts...)
	rt := rocketterm.NewRealtimeSession(cfg.Server.URL, &rocketterm.RealtimeConfig{
		HeartbeatInterval: durationOr(cfg.Client.HeartbeatInterval, 0),
		Logger:            log,
	})

	comm := rocketterm.NewComm(rest, rt, log)
	res, err := comm.Connect(ctx, login)
	if err != nil {
		return nil, nil, err
	}
	return comm, res, nil
}

// controllerOptions translates the [client] section.
func controllerOptions(cfg *Config, log *slog.Logger, cb rocketterm.Callbacks) []rocketterm.Option {
	opts := []rocketterm.Option{
		rocketterm.WithLogger(log),
		rocketterm.WithCallbacks(cb),
		rocketterm.WithBatchSize(cfg.Client.BatchSize),
		rocketterm.WithUserPageSize(cfg.Client.UserPageSize),
		rocketterm.WithThreadResolveRounds(cfg.Client.ThreadResolveRounds),
	}
	if cfg.Client.SeedHistory > 0 {
		opts = append(opts, rocketterm.WithSeedHistory(cfg.Client.SeedHistory))
	}
	return opts
}

// setupHooks creates the hook runner for the [hooks] and [webhook]
// sections. Broken hook entries are logged and skipped.
func setupHooks(cfg *Config, log *slog.Logger, classifier rocketterm.MessageClassifier) *rocketterm.HookRunner {
	var opts []rocketterm.HookOption
	opts = append(opts, rocketterm.WithHookLogger(log))
	if cfg.Webhook.URL != "" {
		opts = append(opts, rocketterm.WithWebhook(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.Hooks...))
	}
	runner := rocketterm.NewHookRunner(classifier, opts...)
	for name, cmds := range cfg.Hooks {
		for _, argv := range cmds {
			if err := runner.AddCommand(name, argv); err != nil {
				log.Warn("ignoring hook", "hook", name, "error", err)
			}
		}
	}
	return runner
}

// connect logs in and starts a controller. ui receives the controller
// notifications next to logging, hooks and the discussion policy.
func connect(ctx context.Context, ui rocketterm.Callbacks) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, closer, err := openLogger(cfg)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: log, logCloser: closer}

	login, err := loginData(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	comm, res, err := dial(ctx, cfg, log, login)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.comm, s.login = comm, res

	// the hook runner needs the controller, the controller its callbacks
	callbacks := rocketterm.MultiCallbacks{
		rocketterm.LogCallbacks{Logger: log},
		rocketterm.DiscussionDecayPolicy{Threshold: durationOr(cfg.Client.DiscussionActivityThreshold, 0)},
	}
	if ui != nil {
		callbacks = append(callbacks, ui)
	}
	s.ctl = rocketterm.NewController(comm, controllerOptions(cfg, log, &callbacks)...)
	s.hooks = setupHooks(cfg, log, s.ctl)
	callbacks = append(callbacks, s.hooks)

	if err := s.ctl.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// connectCLI is connect for one-shot commands, exiting on failure.
func connectCLI(ctx context.Context) *session {
	s, err := connect(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	return s
}

// findRoom looks up a joined room by label or name.
func findRoom(ctl *rocketterm.Controller, label string) (*rocketterm.Room, error) {
	room, ok := ctl.RoomByLabel(label)
	if !ok {
		return nil, fmt.Errorf("no joined room %q", label)
	}
	return room, nil
}
