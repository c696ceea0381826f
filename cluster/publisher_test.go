package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cluster_mock "github.com/mqy/leaguechat/cluster/mock"
	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/scope"
	"github.com/mqy/leaguechat/store"
)

func TestKafkaPublisher(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	league := scope.League("42")
	e := &feed.Event{Type: feed.Added, Scope: league, Message: &store.Message{ID: "m1", Scope: league, Text: "hello"}}

	writer := cluster_mock.NewMockIKafkaWriter(mockCtrl)
	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, msgs ...kafka.Message) error {
		require.Len(t, msgs, 1)
		assert.Equal(t, []byte(league), msgs[0].Key)

		var got feed.Event
		require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
		assert.Equal(t, e.Type, got.Type)
		assert.Equal(t, "hello", got.Message.Text)

		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("leader not available"))

	p := NewKafkaPublisher(writer, 1024)
	require.NoError(t, p.Publish(context.Background(), e))
	assert.Error(t, p.Publish(context.Background(), e))

	// oversize events never reach kafka.
	small := NewKafkaPublisher(writer, 16)
	assert.Error(t, small.Publish(context.Background(), e))
}
