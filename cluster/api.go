package cluster

//go:generate mockgen -source=api.go -destination=mock/mock_api.go

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/mqy/leaguechat/feed"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// IDispatcher delivers an event to the local subscribers of its scope.
type IDispatcher interface {
	Dispatch(e *feed.Event) int
}
