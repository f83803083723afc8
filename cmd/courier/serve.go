package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/api"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/conn/bridge"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/outbox"
	"github.com/zulandar/courier/internal/pacing"
	"github.com/zulandar/courier/internal/qr"
	"github.com/zulandar/courier/internal/retry"
	"github.com/zulandar/courier/internal/scheduler"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/store"
	"golang.org/x/term"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Restores persisted sessions, starts the scheduled-message dispatcher and
serves the HTTP API until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log, cmd.ErrOrStderr()); err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("serve: auth.jwt_secret (or COURIER_JWT_SECRET) is required")
	}
	if err := scheduler.ValidateSpec(cfg.Scheduler.Cron); err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	st, err := store.New(gormDB)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Sessions.Root, 0o700); err != nil {
		return fmt.Errorf("serve: sessions root: %w", err)
	}
	owners, err := session.LoadOwnerMap(cfg.Sessions.OwnerFile)
	if err != nil {
		return err
	}
	registry := session.NewRegistry(owners)

	hub := notify.NewHub(chatSinks(cfg.Notify)...)
	defer hub.Close()

	dialer, err := bridge.NewDialer(bridge.Opts{URL: cfg.Transport.BridgeURL})
	if err != nil {
		return err
	}

	ctrl, err := session.NewController(session.ControllerOpts{
		Registry:         registry,
		Dialer:           dialer,
		Store:            st,
		Notifier:         hub,
		RenderCode:       codeRenderer(cmd.OutOrStdout()),
		Root:             cfg.Sessions.Root,
		DeviceName:       cfg.Transport.DeviceName,
		ReconnectDelay:   config.Seconds(cfg.Sessions.ReconnectDelaySec),
		PresenceInterval: config.Seconds(cfg.Sessions.PresenceIntervalSec),
		RestoreTimeout:   config.Seconds(cfg.Sessions.RestoreTimeoutSec),
		TerminalCodes:    cfg.Sessions.TerminalCodes,
	})
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()

	loc := cfg.Location()
	pacer := pacing.NewPacer(config.Millis(cfg.Limits.DelayBaseMs), config.Millis(cfg.Limits.DelayJitterMs), *cfg.Limits.VaryText)
	executor := &retry.Executor{Attempts: cfg.Limits.RetryAttempts, Wait: pacer.Wait}
	quota := &pacing.Quota{Limit: cfg.Limits.DailyLimit, Counter: st, Location: loc}

	ob, err := outbox.New(outbox.Opts{
		Sessions: registry,
		Store:    st,
		Quota:    quota,
		Pacer:    pacer,
		Retry:    executor,
		Location: loc,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Opts{
		Store:    st,
		Sessions: registry,
		Retry:    executor,
		Quota:    quota,
		Pacer:    pacer,
		Spec:     cfg.Scheduler.Cron,
		Location: loc,
	})
	if err != nil {
		return err
	}

	srv, err := api.New(api.Opts{
		Sessions:       ctrl,
		Outbox:         ob,
		Messages:       st,
		Hub:            hub,
		Secret:         []byte(cfg.Auth.JWTSecret),
		Cookie:         cfg.Auth.Cookie,
		CORSOrigin:     cfg.Server.CORSOrigin,
		PairingTimeout: config.Seconds(cfg.Sessions.PairingTimeoutSec),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := ctrl.Restore(ctx)
	if err != nil {
		log.WithError(err).Warn("serve: restore sessions")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %d session(s), deferred %d, purged %d\n", len(rep.Restored), len(rep.Deferred), len(rep.Purged))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Start(ctx); err != nil {
			log.WithError(err).Error("serve: scheduler")
			stop()
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Courier API listening on :%d\n", cfg.Server.Port)
	err = srv.Start(ctx, cfg.Server.Port)
	stop()
	wg.Wait()
	return err
}

// chatSinks builds the optional Slack and Discord sinks. A sink that fails
// to initialise is logged and skipped.
func chatSinks(cfg config.NotifyConfig) []notify.Sink {
	var sinks []notify.Sink
	if cfg.Slack.BotToken != "" {
		s, err := notify.NewSlackSink(notify.SlackOpts{BotToken: cfg.Slack.BotToken, Channel: cfg.Slack.Channel})
		if err != nil {
			log.WithError(err).Warn("serve: slack sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Discord.BotToken != "" {
		s, err := notify.NewDiscordSink(notify.DiscordOpts{BotToken: cfg.Discord.BotToken, Channel: cfg.Discord.Channel})
		if err != nil {
			log.WithError(err).Warn("serve: discord sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

// codeRenderer returns the controller's pairing-code renderer. When out is a
// terminal the code is also drawn there for scanning.
func codeRenderer(out io.Writer) func(string) (string, error) {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return func(code string) (string, error) {
		if tty {
			if art, err := qr.Terminal(code); err == nil {
				fmt.Fprintf(out, "Scan this code to pair:\n%s\n", art)
			}
		}
		return qr.DataURL(code)
	}
}
