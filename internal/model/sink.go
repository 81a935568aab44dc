package model

import "context"

// Sink receives results of finished scans
type Sink interface {
	Save(ctx context.Context, tool string, result any) error
}

type SinkCloser interface {
	Sink
	Close() error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, tool string, result any) error

func (f SinkFunc) Save(ctx context.Context, tool string, result any) error {
	return f(ctx, tool, result)
}
