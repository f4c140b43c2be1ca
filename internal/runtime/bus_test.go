package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/agentbus/agentbus/internal/runtime/config"
	buserr "github.com/agentbus/agentbus/internal/runtime/errors"
	"github.com/agentbus/agentbus/internal/runtime/jsoncodec"
	"github.com/agentbus/agentbus/internal/runtime/message"
	storepkg "github.com/agentbus/agentbus/internal/runtime/store"
)

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(configpkg.Default(), nil, Dependencies{})
	require.ErrorIs(t, err, buserr.ErrLoggerRequired)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	conf := newTestConfig()
	conf.MaxQueueSize = -1

	_, err := New(conf, newTestLogger(), Dependencies{})
	require.Error(t, err)

	var cve buserr.ConfigValidationError
	require.ErrorAs(t, err, &cve)
	assert.Contains(t, err.Error(), "max size cannot be negative")
}

func TestBus_StartStopLifecycle(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})
	ctx := context.Background()

	require.ErrorIs(t, bus.Stop(ctx), buserr.ErrNotStarted)

	require.NoError(t, bus.Start(ctx))
	require.ErrorIs(t, bus.Start(ctx), buserr.ErrAlreadyStarted)

	require.NoError(t, bus.Stop(ctx))
	require.ErrorIs(t, bus.Stop(ctx), buserr.ErrNotStarted)

	// A stopped bus can be started again.
	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Stop(ctx))
}

func TestBus_StopHonorsContext(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	release := make(chan struct{})
	started := make(chan struct{})
	err := bus.Subscribe("stuck", func(ctx context.Context, msg message.Message) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { close(release) })

	require.NoError(t, bus.Start(context.Background()))
	require.NoError(t, bus.Publish(context.Background(), message.NewHeartbeat("alpha")))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, bus.Stop(cancelled), context.Canceled)
}

func TestBus_PublishRejectsInvalidMessage(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	err := bus.Publish(context.Background(), message.NewHeartbeat(""))
	require.Error(t, err)
	require.ErrorIs(t, err, buserr.ErrMessageCorruption)

	var corruption *buserr.MessageCorruptionError
	require.ErrorAs(t, err, &corruption)
	assert.Contains(t, corruption.Violations, "message must have a sender")

	// The rejected message never reaches the queue.
	assert.Equal(t, 0, bus.Metrics().MainQueueSize)
	assert.Equal(t, uint64(0), bus.Metrics().MessagesPublished)
}

func TestBus_PublishRejectsOversizedMessage(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	req := message.NewRequest("planner", "bulk_load",
		map[string]any{"blob": strings.Repeat("x", 2*message.MaxMessageBytes)},
		message.WithRecipient("executor"))

	err := bus.Publish(context.Background(), req)
	require.ErrorIs(t, err, buserr.ErrMessageCorruption)
	assert.ErrorContains(t, err, "exceeds 1024 byte limit")

	// The oversized message never reaches the queue.
	assert.Equal(t, 0, bus.Metrics().MainQueueSize)
	assert.Equal(t, uint64(0), bus.Metrics().MessagesPublished)
}

func TestBus_PublishUnvalidatedSkipsChecks(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	require.NoError(t, bus.PublishUnvalidated(context.Background(), message.NewHeartbeat("")))
	assert.Equal(t, 1, bus.Metrics().MainQueueSize)
}

func TestBus_PublishOverflow(t *testing.T) {
	bus := newTestBus(t, func(c *configpkg.Config) { c.MaxQueueSize = 1 }, Dependencies{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, message.NewHeartbeat("alpha")))

	err := bus.Publish(ctx, message.NewHeartbeat("beta"))
	require.ErrorIs(t, err, buserr.ErrQueueOverflow)

	var overflow *buserr.QueueOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Equal(t, "main", overflow.Queue)
	assert.Equal(t, 1, overflow.Capacity)

	snap := bus.Metrics()
	assert.Equal(t, 1, snap.MainQueueSize)
	assert.Equal(t, uint64(1), snap.MessagesPublished)
	assert.Equal(t, uint64(1), snap.QueueOverflows)
}

func TestBus_SubscribeValidation(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	err := bus.Subscribe("", func(ctx context.Context, msg message.Message) error { return nil })
	require.ErrorIs(t, err, buserr.ErrSubscriberIDRequired)

	err = bus.Subscribe("worker", nil)
	require.ErrorIs(t, err, buserr.ErrHandlerRequired)
}

func TestBus_SubscribeUnsubscribe(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})
	col := &collector{}

	require.NoError(t, bus.Subscribe("worker", col.handle, WithTopics("jobs")))
	require.NoError(t, bus.Subscribe("monitor", col.handle))
	assert.Equal(t, 2, bus.Metrics().ActiveSubscriptions)

	infos := bus.Subscriptions()
	require.Len(t, infos, 2)
	assert.Equal(t, "monitor", infos[0].SubscriberID)
	assert.Equal(t, "worker", infos[1].SubscriberID)
	assert.Equal(t, []string{"jobs"}, infos[1].Topics)

	bus.Unsubscribe("worker")
	assert.Equal(t, 1, bus.Metrics().ActiveSubscriptions)

	// Unknown ids are a no-op.
	bus.Unsubscribe("worker")
	assert.Equal(t, 1, bus.Metrics().ActiveSubscriptions)
}

func TestBus_ReplayDLQEmpty(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	count, err := bus.ReplayDLQ(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBus_ReplayDLQHonorsContext(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bus.ReplayDLQ(cancelled, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBus_DeadLettersAndPurge(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	for i := 0; i < 3; i++ {
		bus.sendToDLQ(message.NewHeartbeat("alpha"), "no successful deliveries", dlqLabelDeliveryFailed)
	}

	all := bus.DeadLetters(0, 0)
	require.Len(t, all, 3)

	page := bus.DeadLetters(2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].Base().ID, page[0].Base().ID)

	snap := bus.Metrics()
	assert.Equal(t, uint64(3), snap.MessagesDeadLetter)
	assert.Equal(t, 3, snap.DeadLetterSize)

	dropped := bus.PurgeDLQ()
	assert.Equal(t, 3, dropped)
	assert.Empty(t, bus.DeadLetters(0, 0))
	assert.Equal(t, uint64(3), bus.Metrics().MessagesPurged)
	assert.Equal(t, 0, bus.Metrics().DeadLetterSize)

	// Purging an empty queue reports zero.
	assert.Equal(t, 0, bus.PurgeDLQ())
}

func TestBus_ReplayDLQRestoresMessages(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})
	ctx := context.Background()

	msg := message.NewHeartbeat("alpha")
	msg.RetryCount = 3
	bus.sendToDLQ(msg, "max retries exceeded: no successful deliveries", dlqLabelDeliveryFailed)

	require.Len(t, bus.DeadLetters(0, 0), 1)
	stamped := bus.DeadLetters(0, 0)[0]
	assert.NotEmpty(t, stamped.Base().Metadata.GetString(message.MetaDLQReason))
	assert.NotEmpty(t, stamped.Base().Metadata.GetString(message.MetaDLQTimestamp))

	count, err := bus.ReplayDLQ(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Empty(t, bus.DeadLetters(0, 0))

	snap := bus.Metrics()
	assert.Equal(t, uint64(1), snap.MessagesReplayed)
	assert.Equal(t, 1, snap.MainQueueSize)

	// The replayed message re-enters with a fresh retry budget and no DLQ
	// metadata.
	env := msg.Base()
	assert.Equal(t, 0, env.RetryCount)
	assert.Empty(t, env.Metadata.GetString(message.MetaDLQReason))
	assert.Empty(t, env.Metadata.GetString(message.MetaDLQTimestamp))
}

func TestBus_ReplayDLQRespectsLimit(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	for i := 0; i < 5; i++ {
		bus.sendToDLQ(message.NewHeartbeat("alpha"), "no successful deliveries", dlqLabelDeliveryFailed)
	}

	count, err := bus.ReplayDLQ(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, bus.DeadLetters(0, 0), 3)
	assert.Equal(t, 2, bus.Metrics().MainQueueSize)
}

func TestBus_ReplayDLQReturnsMessageOnOverflow(t *testing.T) {
	bus := newTestBus(t, func(c *configpkg.Config) { c.MaxQueueSize = 1 }, Dependencies{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, message.NewHeartbeat("filler")))

	bus.sendToDLQ(message.NewHeartbeat("alpha"), "no successful deliveries", dlqLabelDeliveryFailed)

	count, err := bus.ReplayDLQ(ctx, 0)
	require.ErrorIs(t, err, buserr.ErrQueueOverflow)
	assert.Equal(t, 0, count)

	// The message that could not re-enter the main queue is back in the DLQ.
	assert.Len(t, bus.DeadLetters(0, 0), 1)
}

func TestBus_RestoresPersistedQueueOnConstruction(t *testing.T) {
	mainStore := storepkg.NewMemoryStore()
	persistent := func(c *configpkg.Config) { c.EnablePersistence = true }

	first := newTestBus(t, persistent, Dependencies{
		MainQueueStore:  mainStore,
		DeadLetterStore: storepkg.NewMemoryStore(),
		MetricsStore:    storepkg.NewMemoryStore(),
	})
	published := message.NewHeartbeat("alpha")
	require.NoError(t, first.Publish(context.Background(), published))
	require.Equal(t, 1, first.Metrics().MainQueueSize)

	second := newTestBus(t, persistent, Dependencies{
		MainQueueStore:  mainStore,
		DeadLetterStore: storepkg.NewMemoryStore(),
		MetricsStore:    storepkg.NewMemoryStore(),
	})
	require.Equal(t, 1, second.Metrics().MainQueueSize)

	col := &collector{}
	require.NoError(t, second.Subscribe("sink", col.handle))
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(func() { _ = second.Stop(context.Background()) })

	require.Eventually(t, func() bool { return col.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, published.ID, col.messages()[0].Base().ID)
}

func TestBus_StopFlushesMetrics(t *testing.T) {
	metricsStore := storepkg.NewMemoryStore()
	bus := newTestBus(t, func(c *configpkg.Config) { c.EnablePersistence = true }, Dependencies{
		MainQueueStore:  storepkg.NewMemoryStore(),
		DeadLetterStore: storepkg.NewMemoryStore(),
		MetricsStore:    metricsStore,
	})

	col := &collector{}
	require.NoError(t, bus.Subscribe("sink", col.handle))
	require.NoError(t, bus.Start(context.Background()))

	require.NoError(t, bus.Publish(context.Background(), message.NewHeartbeat("alpha")))
	require.Eventually(t, func() bool { return col.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Stop(context.Background()))

	data, ok, err := metricsStore.Load()
	require.NoError(t, err)
	require.True(t, ok)

	var snap MetricsSnapshot
	require.NoError(t, jsoncodec.Unmarshal(data, &snap))
	assert.Equal(t, uint64(1), snap.MessagesPublished)
	assert.Equal(t, uint64(1), snap.MessagesDelivered)
	assert.Equal(t, 1, snap.ActiveSubscriptions)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestBus_MetricsSnapshotTracksDepths(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, message.NewHeartbeat("alpha")))
	require.NoError(t, bus.Publish(ctx, message.NewHeartbeat("beta")))
	bus.sendToDLQ(message.NewHeartbeat("gamma"), "no successful deliveries", dlqLabelDeliveryFailed)
	require.NoError(t, bus.Subscribe("sink", (&collector{}).handle))

	snap := bus.Metrics()
	assert.Equal(t, 2, snap.MainQueueSize)
	assert.Equal(t, 1, snap.DeadLetterSize)
	assert.Equal(t, 1, snap.ActiveSubscriptions)
	assert.Equal(t, uint64(2), snap.MessagesPublished)
}

func TestBus_ProducerPublishes(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})
	ctx := context.Background()

	producer := bus.Producer("planner")
	assert.Equal(t, "planner", producer.Sender())

	req, err := producer.Request(ctx, "analyze", map[string]any{"path": "repo"}, message.WithRecipient("worker"))
	require.NoError(t, err)
	assert.Equal(t, "planner", req.Sender)
	assert.Equal(t, "analyze", req.Action)

	res, err := producer.Respond(ctx, req, 200, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, req.ID, res.RequestID)
	assert.Equal(t, "planner", res.Recipient) // responses go back to the request sender

	hb, err := producer.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.TypeHeartbeat, hb.Kind())

	status, err := producer.ReportStatus(ctx, "scheduler", "healthy", 98)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", status.Component)

	errMsg, err := producer.ReportError(ctx, "E_TIMEOUT", "transient", "downstream timed out")
	require.NoError(t, err)
	assert.True(t, errMsg.Recoverable)

	update, err := producer.ShareContext(ctx, "workspace", map[string]any{"branch": "main"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, update.Version)

	assert.Equal(t, 6, bus.Metrics().MainQueueSize)
	assert.Equal(t, uint64(6), bus.Metrics().MessagesPublished)
}

func TestBus_ProducerSurfacesPublishErrors(t *testing.T) {
	bus := newTestBus(t, nil, Dependencies{})

	// Empty action fails validation.
	_, err := bus.Producer("planner").Request(context.Background(), "", nil, message.WithRecipient("worker"))
	require.ErrorIs(t, err, buserr.ErrMessageCorruption)
	assert.Equal(t, 0, bus.Metrics().MainQueueSize)
}
