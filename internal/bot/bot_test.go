package bot

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/nostrchan/internal/command"
	"github.com/xaenox/nostrchan/internal/composer"
	"github.com/xaenox/nostrchan/internal/eligibility"
	"github.com/xaenox/nostrchan/internal/metrics"
	"github.com/xaenox/nostrchan/internal/models"
	"github.com/xaenox/nostrchan/internal/relay"
	"github.com/xaenox/nostrchan/internal/relay/relaytest"
	"github.com/xaenox/nostrchan/internal/scheduler"
	"github.com/xaenox/nostrchan/internal/storage"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const minInterval = 10 * time.Minute

var testRelays = []string{"wss://relay-a.example", "wss://relay-b.example"}

type stubGenerator struct {
	mu    sync.Mutex
	calls []string
	text  string
	ok    bool
}

func (g *stubGenerator) Complete(_ context.Context, persona string, text string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, text)
	return g.text, g.ok
}

func (g *stubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type harness struct {
	bot     *Bot
	net     *relaytest.Network
	store   *storage.MemoryStorage
	gen     *stubGenerator
	metrics *metrics.Metrics
	root    *models.Persona
	admin   string
	start   time.Time
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	h := &harness{
		net:     relaytest.NewNetwork(),
		store:   storage.NewMemoryStorage(),
		gen:     &stubGenerator{text: "こんにちは", ok: true},
		metrics: metrics.New(),
		admin:   "admin-pk",
		start:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.clock = h.start
	now := func() time.Time { return h.clock }

	session, err := relay.Open(ctx, relay.SessionConfig{
		Relays:           testRelays,
		SubscriptionID:   "nostr-chan",
		Lookback:         20 * time.Minute,
		SilenceThreshold: 3,
	}, h.net.Dial, logger, relay.WithClock(now))
	require.NoError(t, err)

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	h.root = &models.Persona{PubKey: pk, SecretKey: sk, Prompt: "あなたは元気な女の子です。", Content: `{"name":"nostr-chan"}`}
	_, err = h.store.InsertIfAbsent(ctx, h.root)
	require.NoError(t, err)

	comp := composer.New()
	followers := eligibility.NewFollowerChecker(relay.NewFetcher(h.net.Dial, testRelays, 0, 0, 0, logger), 0, logger)
	filter := eligibility.NewFilter(eligibility.Config{
		Language:  "ja",
		MinLength: 10,
		MaxLength: 140,
		Blocklist: []string{"blocked-pk"},
	}, eligibility.WhatlangDetector{}, logger)
	interpreter := command.New(command.Config{AdminPubkeys: []string{h.admin}, RootPubkey: pk},
		h.store, session, comp, followers, h.metrics, logger)

	h.bot = New(Config{RootPubkey: pk, PollInterval: time.Millisecond, RecencyWindow: 16}, Deps{
		Session:   session,
		Storage:   h.store,
		Commands:  interpreter,
		Filter:    filter,
		Followers: followers,
		Scheduler: scheduler.New(minInterval, 0, rand.New(rand.NewSource(1))),
		Generator: h.gen,
		Composer:  comp,
		Metrics:   h.metrics,
	}, logger)
	h.bot.now = now
	h.bot.pick = func(int) int { return 0 }
	h.bot.lastReply = h.start
	t.Cleanup(session.Close)
	return h
}

// follow stores a contact list for author that includes the root persona.
func (h *harness) follow(author string) {
	h.net.Store(&nostr.Event{
		ID:        "contacts-" + author,
		PubKey:    author,
		Kind:      relay.KindContactList,
		CreatedAt: nostr.Timestamp(h.start.Unix()),
		Tags:      nostr.Tags{{"p", h.root.PubKey}},
	})
}

// deliver sends a note created at offset from start and advances the clock past it.
func (h *harness) deliver(id, author, content string, offset time.Duration, tags ...nostr.Tag) *nostr.Event {
	ev := &nostr.Event{
		ID:        id,
		PubKey:    author,
		Kind:      relay.KindTextNote,
		CreatedAt: nostr.Timestamp(h.start.Add(offset).Unix()),
		Content:   content,
		Tags:      tags,
	}
	h.clock = h.start.Add(offset + time.Second)
	h.net.Deliver(ev)
	return ev
}

func japanese() string {
	return strings.Repeat("こんにちは", 10)
}

func TestReplyAfterIntervalElapsed(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")

	h.deliver("note-a", "alice", japanese(), 2*minInterval)
	h.bot.tick(context.Background())

	replies := h.net.PublishedKind(relay.KindTextNote)
	require.Len(t, replies, 1)
	assert.Equal(t, h.root.PubKey, replies[0].PubKey)
	assert.Equal(t, "こんにちは", replies[0].Content)
	assert.Equal(t, nostr.Tags{{"e", "note-a"}, {"p", "alice"}}, replies[0].Tags)
	ok, err := replies[0].CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, h.clock, h.bot.lastReply)
	assert.Equal(t, 1, h.gen.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RepliesPublished))
	assert.Equal(t, float64(h.clock.Unix()), testutil.ToFloat64(h.metrics.LastReply))
}

func TestRedundantDeliveryRepliesOnce(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")

	h.deliver("note-a", "alice", japanese(), 2*minInterval)
	h.bot.tick(context.Background())

	assert.Len(t, h.net.PublishedKind(relay.KindTextNote), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EventsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DuplicatesSkipped))
}

func TestNoReplyWithinInterval(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")

	h.deliver("note-b", "alice", japanese(), time.Minute)
	h.bot.tick(context.Background())

	assert.Empty(t, h.net.Published())
	assert.Zero(t, h.gen.Calls())
	assert.Equal(t, h.start, h.bot.lastReply)
}

func TestNoReplyToNonFollower(t *testing.T) {
	h := newHarness(t)

	h.deliver("note-a", "stranger", japanese(), 2*minInterval)
	h.bot.tick(context.Background())

	assert.Empty(t, h.net.Published())
	assert.Zero(t, h.gen.Calls())
}

func TestIneligibleNotesAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")
	h.follow("blocked-pk")

	h.deliver("short", "alice", "こんにちは", 2*minInterval)
	h.deliver("english", "alice", "The weather is lovely today and I would like to go for a long walk.", 2*minInterval)
	h.deliver("blocked", "blocked-pk", japanese(), 2*minInterval)
	h.deliver("own", h.root.PubKey, japanese(), 2*minInterval)
	h.bot.tick(context.Background())

	assert.Empty(t, h.net.Published())
	assert.Zero(t, h.gen.Calls())
}

func TestEventsOlderThanLastReplyAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")
	h.bot.lastReply = h.start.Add(time.Hour)

	h.deliver("old", "alice", japanese(), 30*time.Minute)
	h.bot.tick(context.Background())

	assert.Empty(t, h.net.Published())
	assert.Zero(t, h.gen.Calls())
}

func TestGeneratorFailureSuppressesReply(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")
	h.gen.ok = false

	h.deliver("note-a", "alice", japanese(), 2*minInterval)
	h.bot.tick(context.Background())

	assert.Empty(t, h.net.Published())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RepliesSuppressed))
	assert.Equal(t, h.start, h.bot.lastReply)
}

func TestEmptyAnswerIsNeverPublished(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")
	h.gen.text = ""

	h.deliver("note-a", "alice", japanese(), 2*minInterval)
	h.bot.tick(context.Background())

	assert.Empty(t, h.net.Published())
	assert.Equal(t, h.start, h.bot.lastReply)
}

func TestPublishFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")
	h.net.SetFailPublish(true)

	h.deliver("note-a", "alice", japanese(), 2*minInterval)
	h.bot.tick(context.Background())

	assert.Empty(t, h.net.Published())
	assert.Equal(t, 1, h.gen.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PublishFailures))
	assert.Zero(t, testutil.ToFloat64(h.metrics.RepliesPublished))
}

func TestMentionedPersonaAnswers(t *testing.T) {
	h := newHarness(t)
	h.follow("alice")

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	_, err = h.store.InsertIfAbsent(context.Background(), &models.Persona{PubKey: pk, SecretKey: sk, Prompt: "執事です。"})
	require.NoError(t, err)

	h.deliver("note-a", "alice", japanese(), 2*minInterval, nostr.Tag{"p", pk})
	h.bot.tick(context.Background())

	replies := h.net.PublishedKind(relay.KindTextNote)
	require.Len(t, replies, 1)
	assert.Equal(t, pk, replies[0].PubKey)
}

func TestAdminCommandCreatesPersona(t *testing.T) {
	h := newHarness(t)

	h.deliver("cmd", h.admin, "!new\nprompt=Friendly\ndisplay_name=Aiko", time.Second,
		nostr.Tag{"p", h.root.PubKey, "", "mention"})
	h.bot.tick(context.Background())

	enabled, err := h.store.SelectEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "Friendly", enabled[1].Prompt)
	assert.Equal(t, "Aiko", enabled[1].Profile().DisplayName)

	assert.Len(t, h.net.PublishedKind(relay.KindMetadata), 1)
	assert.Zero(t, h.gen.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CommandsHandled.WithLabelValues("new")))
}

func TestNonAdminCommandIsTreatedAsNote(t *testing.T) {
	h := newHarness(t)

	h.deliver("cmd", "stranger", "!new\nprompt=Friendly\ndisplay_name=Aiko", 2*minInterval,
		nostr.Tag{"p", h.root.PubKey, "", "mention"})
	h.bot.tick(context.Background())

	enabled, err := h.store.SelectEnabled(context.Background())
	require.NoError(t, err)
	assert.Len(t, enabled, 1)
	assert.Empty(t, h.net.Published())
}

func TestSilenceTriggersReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.clock = h.clock.Add(time.Minute)
		h.bot.tick(ctx)
	}

	assert.Equal(t, h.clock, h.bot.lastReply)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reconnects))
	assert.Equal(t, 1, h.net.Open())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBootstrap(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()
	net := relaytest.NewNetwork()
	session, err := relay.Open(ctx, relay.SessionConfig{Relays: testRelays}, net.Dial, logger)
	require.NoError(t, err)
	defer session.Close()

	store := storage.NewMemoryStorage()
	b := New(Config{}, Deps{
		Session:  session,
		Storage:  store,
		Composer: composer.New(),
		Metrics:  metrics.New(),
	}, logger)

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	root := &models.Persona{PubKey: pk, SecretKey: sk, Content: `{"name":"nostr-chan"}`}

	require.NoError(t, b.Bootstrap(ctx, root))
	enabled, err := store.SelectEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, pk, enabled[0].PubKey)
	require.Len(t, net.PublishedKind(relay.KindMetadata), 1)

	// already populated: nothing happens
	require.NoError(t, b.Bootstrap(ctx, root))
	assert.Len(t, net.PublishedKind(relay.KindMetadata), 1)
}
