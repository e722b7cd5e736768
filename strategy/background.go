package strategy

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
)

// Background runs detached work whose results only update the cache.
//
// Errors returned by background tasks are logged at debug level and
// discarded; they never reach the caller that triggered the task, which
// has already received a response. Tasks are not cancelled when the
// triggering request ends.
type Background struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewBackground returns a Background that logs discarded errors to logger.
func NewBackground(logger *slog.Logger) *Background {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Background{logger: logger}
}

// Go starts fn on its own goroutine with a context detached from ctx's
// cancellation.
func (b *Background) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	detached := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := fn(detached); err != nil {
			b.logger.Debug("background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until every started task has finished.
func (b *Background) Wait() {
	b.wg.Wait()
}

// detach copies req so it can outlive the handler that received it.
// Strategies only handle GET requests, so the body is dropped.
func detach(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(context.WithoutCancel(ctx))
	out.Body = http.NoBody
	out.ContentLength = 0
	return out
}
