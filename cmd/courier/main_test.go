package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/api"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/store"
)

// run executes the root command with args and returns combined output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig writes a sqlite-backed config into a temp dir.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	body := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "courier.db") +
		"\nsessions:\n  root: " + filepath.Join(dir, "sessions") +
		"\nauth:\n  jwt_secret: cli-secret\n"
	path := filepath.Join(dir, "courier.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, cfg
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "courier dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.2.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "courier 1.2.0 (commit: abc123, built: 2026-01-01)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	for _, sub := range []string{"serve", "db", "sessions", "schedule", "token", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing %q subcommand:\n%s", sub, out)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	if _, err := loadConfig("/nonexistent/courier.yaml"); err == nil {
		t.Error("explicit missing path should fail")
	}

	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(t.TempDir())
	cfg, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("default path without file: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Limits.DailyLimit != 500 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestSetupLogging(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := setupLogging(config.LogConfig{Level: "verbose", Format: "text"}, buf); err == nil {
		t.Error("unknown level accepted")
	}
	if err := setupLogging(config.LogConfig{Level: "debug", Format: "json"}, buf); err != nil {
		t.Fatal(err)
	}
	defer setupLogging(config.LogConfig{Level: "info", Format: "text"}, os.Stderr)
}

func TestTokenCmd(t *testing.T) {
	path, _ := writeConfig(t)

	if _, err := run(t, "token", "--config", path); err == nil {
		t.Error("missing --user accepted")
	}
	out, err := run(t, "token", "--config", path, "--user", "u42")
	if err != nil {
		t.Fatalf("token: %v (%s)", err, out)
	}
	claims, err := api.ParseToken([]byte("cli-secret"), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token invalid: %v", err)
	}
	if claims.UserID != "u42" {
		t.Errorf("userId = %q", claims.UserID)
	}
}

func TestDBMigrateCmd(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "db", "migrate", "--config", path)
	if err != nil {
		t.Fatalf("db migrate: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Migrated") {
		t.Errorf("output = %s", out)
	}
}

func TestSessionsListAndPurge(t *testing.T) {
	path, cfg := writeConfig(t)
	if err := os.MkdirAll(filepath.Join(cfg.Sessions.Root, "session_1_u1"), 0o700); err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Join(cfg.Sessions.Root, "session_2_u2"), 0o700)
	owners, err := session.LoadOwnerMap(cfg.Sessions.OwnerFile)
	if err != nil {
		t.Fatal(err)
	}
	owners.Set("session_1_u1", "u1")
	owners.Set("session_3_u3", "u3")

	out, err := run(t, "sessions", "list", "--config", path)
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	for _, want := range []string{"session_1_u1", "u2 (from id)", "session_3_u3", "missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, "sessions", "purge", "--config", path, "session_1_u1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Sessions.Root, "session_1_u1")); !os.IsNotExist(err) {
		t.Error("credential dir still present")
	}
	reloaded, _ := session.LoadOwnerMap(cfg.Sessions.OwnerFile)
	if _, ok := reloaded.Get("session_1_u1"); ok {
		t.Error("ownership record still present")
	}
	if _, err := run(t, "sessions", "purge", "--config", path, "../etc"); err == nil {
		t.Error("path-like id accepted")
	}
}

func TestScheduleCmds(t *testing.T) {
	path, cfg := writeConfig(t)
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	st, _ := store.New(gdb)
	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()
	for _, m := range []*models.Message{
		{SessionID: "session_1_u1", Direction: models.DirectionOutgoing, SenderMobile: "1", ReceiverMobile: "555001",
			Scheduled: true, ScheduledTime: &past, ScheduledStatus: models.StatusPending},
		{SessionID: "session_2_u2", Direction: models.DirectionOutgoing, SenderMobile: "2", ReceiverMobile: "555002",
			Scheduled: true, ScheduledTime: &future, ScheduledStatus: models.StatusPending},
	} {
		if err := st.Insert(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}

	out, err := run(t, "schedule", "due", "--config", path)
	if err != nil {
		t.Fatalf("schedule due: %v", err)
	}
	if !strings.Contains(out, "555001") || strings.Contains(out, "555002") {
		t.Errorf("due output:\n%s", out)
	}

	out, err = run(t, "schedule", "list", "--config", path, "--session", "session_2_u2")
	if err != nil {
		t.Fatalf("schedule list: %v", err)
	}
	if !strings.Contains(out, "555002") || strings.Contains(out, "555001") {
		t.Errorf("list output:\n%s", out)
	}
}

func TestServe_RequiresSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	body := "database:\n  path: " + filepath.Join(dir, "c.db") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COURIER_JWT_SECRET", "")
	if _, err := run(t, "serve", "--config", path); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("err = %v, want missing secret", err)
	}
}

func TestCodeRenderer_NonTTY(t *testing.T) {
	buf := new(bytes.Buffer)
	render := codeRenderer(buf)
	url, err := render("2@code")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("url = %.30s", url)
	}
	if buf.Len() != 0 {
		t.Error("non-terminal writer should not receive QR art")
	}
}

func TestChatSinks_OnlyConfigured(t *testing.T) {
	if n := len(chatSinks(config.NotifyConfig{})); n != 0 {
		t.Errorf("sinks = %d, want 0", n)
	}
	sinks := chatSinks(config.NotifyConfig{Slack: config.ChatSinkConfig{BotToken: "xoxb-test", Channel: "C1"}})
	if len(sinks) != 1 || sinks[0].Name() != "slack" {
		t.Errorf("sinks = %v", sinks)
	}
}
