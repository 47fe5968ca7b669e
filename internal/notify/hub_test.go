package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/notify/memory"
)

func sample(id string) crawler.Notification {
	return crawler.Notification{
		SourceID:    id,
		SourceName:  "Source " + id,
		Title:       "title",
		URL:         "https://example.com/" + id,
		CollectedAt: time.Unix(0, 0).UTC(),
	}
}

func TestHubPublishesToTopic(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	hub := NewHub(Config{Topic: "arn:aws:sns:us-east-1:1:new-docs", BufferSize: 4}, pub)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Notify(sample("a"))
	require.Eventually(t, func() bool {
		return len(pub.Messages()) == 1
	}, time.Second, 5*time.Millisecond)
	msg := pub.Messages()[0]
	require.Equal(t, "arn:aws:sns:us-east-1:1:new-docs", msg.Topic)
	require.Equal(t, "a", msg.Notification.SourceID)
}

func TestHubNotifyNeverBlocks(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	pub := &blockingPublisher{gate: gate}
	hub := NewHub(Config{BufferSize: 1}, pub)

	start := time.Now()
	for i := 0; i < 50; i++ {
		hub.Notify(sample("x"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)

	close(gate)
	require.NoError(t, hub.Close(context.Background()))
	require.LessOrEqual(t, pub.count(), 2, "one in flight plus one buffered; the rest were dropped")
}

func TestHubDrainsOnClose(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	hub := NewHub(Config{BufferSize: 16}, pub)
	for i := 0; i < 5; i++ {
		hub.Notify(sample("d"))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, pub.Messages(), 5)

	hub.Notify(sample("late"))
	require.Len(t, pub.Messages(), 5, "notifications after close are ignored")
	require.NoError(t, hub.Close(context.Background()), "close is idempotent")
}

func TestHubFlushWaitsForQueuedAndKeepsIntake(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	pub := &blockingPublisher{gate: gate}
	hub := NewHub(Config{BufferSize: 8, PublishTimeout: time.Minute}, pub)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()
	for i := 0; i < 3; i++ {
		hub.Notify(sample("f"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, hub.Flush(ctx), context.DeadlineExceeded)

	close(gate)
	require.NoError(t, hub.Flush(context.Background()))
	require.Equal(t, 3, pub.count())

	hub.Notify(sample("after"))
	require.NoError(t, hub.Flush(context.Background()))
	require.Equal(t, 4, pub.count(), "flush leaves the hub open")

	var nilHub *Hub
	require.NoError(t, nilHub.Flush(context.Background()))
}

func TestHubCloseHonorsContext(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	hub := NewHub(Config{BufferSize: 2, PublishTimeout: time.Minute}, &blockingPublisher{gate: gate, ignoreCtx: true})
	hub.Notify(sample("stuck"))
	require.Eventually(t, func() bool { return len(hub.queue) == 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := hub.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(gate)
}

func TestHubLogsPublishFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	pub := memory.New()
	pub.FailWith(errors.New("sns down"))
	hub := NewHub(Config{Logger: zap.New(core)}, pub)
	hub.Notify(sample("f"))
	require.NoError(t, hub.Close(context.Background()))

	entries := logs.FilterMessage("publish notification failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "f", entries[0].ContextMap()["source_id"])
}

func TestHubWithoutPublisher(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{}, nil)
	hub.Notify(sample("n"))
	require.NoError(t, hub.Close(context.Background()))

	var nilHub *Hub
	nilHub.Notify(sample("n"))
	require.NoError(t, nilHub.Close(context.Background()))
	Nop{}.Notify(sample("n"))
}

func TestLogPublisher(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	pub := NewLogPublisher(zap.New(core))
	id, err := pub.Publish(context.Background(), "topic", sample("l"))
	require.NoError(t, err)
	require.Equal(t, "log-1", id)
	entry := logs.FilterMessage("new document").All()
	require.Len(t, entry, 1)
	require.Equal(t, "l", entry[0].ContextMap()["source_id"])

	_, err = pub.Publish(context.Background(), "topic", map[string]string{"k": "v"})
	require.NoError(t, err)
}

type blockingPublisher struct {
	gate      chan struct{}
	ignoreCtx bool
	mu        sync.Mutex
	n         int
}

func (p *blockingPublisher) Publish(ctx context.Context, _ string, _ any) (string, error) {
	if p.ignoreCtx {
		<-p.gate
	} else {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return "id", nil
}

func (p *blockingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}
