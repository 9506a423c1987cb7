package loop

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"chat-relay/internal/clock"

	"go.uber.org/zap"
)

// ErrStopped is returned by Do once the loop is no longer running.
var ErrStopped = errors.New("loop: stopped")

// Loop is the single context that owns all relay state. Every closure
// posted to it runs to completion before the next one starts.
type Loop struct {
	events chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

func New(queueSize int, log *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		events: make(chan func(), queueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Run processes posted closures until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.events:
			l.safeExecute(fn)
		}
	}
}

// Post enqueues fn. It blocks while the queue is full and drops fn once
// the loop has stopped.
func (l *Loop) Post(fn func()) {
	select {
	case l.events <- fn:
	case <-l.done:
		l.log.Debug("event dropped, loop stopped")
	}
}

// Go runs work off the loop and posts the continuation it returns back
// onto it. A nil continuation is skipped.
func (l *Loop) Go(work func(ctx context.Context) func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("background call panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			}
		}()
		next := work(l.ctx)
		if next != nil {
			l.Post(next)
		}
	}()
}

// Do posts fn and waits until it has run.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	l.Post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clock wraps base so that timer callbacks run on the loop.
func (l *Loop) Clock(base clock.Clock) clock.Clock {
	return loopClock{base: base, l: l}
}

func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("handler error", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

type loopClock struct {
	base clock.Clock
	l    *Loop
}

func (c loopClock) Now() time.Time { return c.base.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.base.AfterFunc(d, func() { c.l.Post(f) })
}
