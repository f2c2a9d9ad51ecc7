package testhelpers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"settlement-service/internal/transfer"
)

// FakeProvider records transfer calls. Err, when set, is returned instead of
// a reference; Hook runs inside the call, before the result is returned.
type FakeProvider struct {
	mu    sync.Mutex
	calls []transfer.Request
	Err   error
	Hook  func(req transfer.Request)
}

func (f *FakeProvider) Transfer(_ context.Context, req transfer.Request) (transfer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	hook, err := f.Hook, f.Err
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return transfer.Result{}, err
	}
	return transfer.Result{Reference: fmt.Sprintf("tr_%d", n)}, nil
}

func (f *FakeProvider) Calls() []transfer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer.Request(nil), f.calls...)
}

func (f *FakeProvider) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// Clock is a settable time source for services that take a clock option.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC().Truncate(time.Microsecond)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now.UTC().Truncate(time.Microsecond)
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
