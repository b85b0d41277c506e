package broker

import (
	"context"
)

type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, key string, value []byte) error
