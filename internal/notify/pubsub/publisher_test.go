package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "new-documents")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishNotification(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	id, err := pub.Publish(context.Background(), "new-documents", crawler.Notification{SourceID: "source-1", Title: "Leak"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "source-1", msgs[0].Attributes["source_id"])
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "Leak", body["title"])
}

func TestPublishReusesTopicHandle(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), "new-documents", crawler.Notification{SourceID: "s"})
		require.NoError(t, err)
	}
	require.Len(t, srv.Messages(), 3)
	require.Len(t, pub.topics, 1)
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", crawler.Notification{})
	require.Error(t, err)

	pub, _ := newTestPublisher(t)
	_, err = pub.Publish(context.Background(), "", crawler.Notification{})
	require.ErrorContains(t, err, "topic is required")
}

