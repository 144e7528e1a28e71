package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(database))
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dummyConfig() config.RelayConfig {
	return config.RelayConfig{
		APIProvider:               config.ProviderDummy,
		Commander:                 config.CommanderDummy,
		DummyProviderScript:       "msg:pong",
		DummyCommanderScript:      "msg:hello,sleep:20",
		DummySendScript:           "ok",
		ContextLimit:              10,
		RateLimitPerMinute:        10,
		EnableConversationContext: true,
		BotPrefix:                 "!",
		Workers:                   2,
		SleepSeconds:              1,
	}
}

type stubCommander struct {
	updates []cmdpkg.Update
	err     error
}

func (s *stubCommander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	return s.updates, s.err
}

func (s *stubCommander) SendMessage(ctx context.Context, chatID, replyTo int64, text string) error {
	return nil
}

func (s *stubCommander) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return nil
}

func update(id, date int64) cmdpkg.Update {
	return cmdpkg.Update{UpdateID: id, Message: &cmdpkg.Message{MessageID: id, Date: date}}
}

func TestBootstrapOffset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	off, err := bootstrapOffset(ctx, &stubCommander{}, 600, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off, "no pending updates")

	stale := &stubCommander{updates: []cmdpkg.Update{update(10, now.Unix()-3600), update(11, now.Unix()-1200)}}
	off, err = bootstrapOffset(ctx, stale, 600, now)
	require.NoError(t, err)
	assert.Equal(t, int64(12), off, "all stale: skip past the newest")

	mixed := &stubCommander{updates: []cmdpkg.Update{update(10, now.Unix()-3600), update(11, now.Unix()-60), update(12, now.Unix())}}
	off, err = bootstrapOffset(ctx, mixed, 600, now)
	require.NoError(t, err)
	assert.Equal(t, int64(11), off, "resume at the oldest update inside the window")

	_, err = bootstrapOffset(ctx, &stubCommander{err: errors.New("telegram down")}, 600, now)
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "unknown", classifyError(nil))
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "command_source_api", classifyError(errors.New("telegram getUpdates: 502")))
	assert.Equal(t, "command_source_api", classifyError(errors.New("dummy commander error class=x")))
	assert.Equal(t, "db", classifyError(errors.New("sqlite: locked")))
	assert.Equal(t, "unknown", classifyError(errors.New("boom")))
}

func TestPollLoop_RelaysDummyMessages(t *testing.T) {
	database := testDB(t)
	a, err := newApp(dummyConfig(), quietLogger(), database)
	require.NoError(t, err)
	a.handler = a.newHandler()
	cmd := a.commander.(*dummy.Commander)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.pollLoop(ctx, 0)
	}()

	require.Eventually(t, func() bool { return len(cmd.Sent()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not stop")
	}

	assert.Equal(t, "pong", cmd.Sent()[0].Text)

	offset, err := db.LoadOffset(database)
	require.NoError(t, err)
	assert.Equal(t, int64(3), offset)

	counts, err := db.CountEvents(database, a.processID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[db.EventRelayReceived])
	assert.Equal(t, 1, counts[db.EventReplySent])
}

func TestPollLoop_OpensCircuitOnRepeatedFailures(t *testing.T) {
	database := testDB(t)
	cfg := dummyConfig()
	cfg.DummyCommanderScript = "err:command_source_api"
	a, err := newApp(cfg, quietLogger(), database)
	require.NoError(t, err)
	a.handler = a.newHandler()
	a.cfg.SleepSeconds = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.pollLoop(ctx, 0)
	}()

	require.Eventually(t, func() bool {
		counts, err := db.CountEvents(database, a.processID, 0)
		return err == nil && counts[db.EventCircuitOpened] == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestApplyConfig_RevokesKeyAndFallsBack(t *testing.T) {
	database := testDB(t)
	cfg := dummyConfig()
	cfg.APIProvider = config.ProviderOpenRouter
	cfg.OpenRouterAPIKey = "or-key"
	cfg.DeepSeekAPIKey = "ds-key"
	a, err := newApp(cfg, quietLogger(), database)
	require.NoError(t, err)

	active, ok := a.router.ActiveProvider()
	require.True(t, ok)
	require.Equal(t, config.ProviderOpenRouter, active)

	next := cfg
	next.OpenRouterAPIKey = ""
	next.EnableSafetyFilter = true
	next.BannedWords = []string{"spoilers"}
	a.applyConfig(next)

	_, ok = a.router.ActiveProvider()
	assert.False(t, ok)
	assert.Equal(t, []string{config.ProviderDeepSeek}, a.router.AvailableProviders())
	assert.True(t, a.filter.Enabled())
	assert.False(t, a.filter.Check("no Spoilers please").Safe)

	counts, err := db.CountEvents(database, a.processID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[db.EventConfigReloaded])
}

func TestSweep_EvictsIdleState(t *testing.T) {
	database := testDB(t)
	a, err := newApp(dummyConfig(), quietLogger(), database)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	a.store = ctxpkg.NewStore(10, ctxpkg.WithClock(func() time.Time { return now }))
	a.store.AddMessage("1", ctxpkg.RoleUser, "hi")

	a.sweep(time.Hour)
	assert.Equal(t, 1, a.store.GetStats().ActiveConversations, "fresh conversation kept")

	now = now.Add(2 * time.Hour)
	a.sweep(time.Hour)
	assert.Equal(t, 0, a.store.GetStats().ActiveConversations)

	counts, err := db.CountEvents(database, a.processID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[db.EventIdleEvicted])
}

func TestPrintAdminToken_RequiresSecret(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "")
	assert.Error(t, printAdminToken(nil))
}
