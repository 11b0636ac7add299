// Package affinity pins resources to an owning executor and marshals work
// for a resource into that executor.
//
// An Executor is a goroutine with a mailbox that runs submitted work one
// item at a time. Work running inside an executor carries it in its
// context, so code can tell whether it is already inside the owner:
//
//	exec := reg.NewExecutor("queue")
//	reg.RegisterResource("event_queue", exec)
//
//	// From any goroutine. Runs inside exec, inline if already there.
//	err := reg.Submit(ctx, "event_queue", func(ctx context.Context) error {
//	    return q.subscribeLocked(ctx, ...)
//	})
//
// If the owner has been closed the work runs in the caller and the
// resource is rebound to the caller's executor.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// ErrExecutorClosed is returned for work submitted to a closed executor.
var ErrExecutorClosed = errors.New("executor closed")

const mailboxSize = 64

type ctxKey struct{}

// WithExecutor returns a context marking exec as the current executor.
func WithExecutor(ctx context.Context, exec *Executor) context.Context {
	return context.WithValue(ctx, ctxKey{}, exec)
}

// FromContext returns the executor running the caller, or nil.
func FromContext(ctx context.Context) *Executor {
	exec, _ := ctx.Value(ctxKey{}).(*Executor)
	return exec
}

// Detach returns ctx without its executor mark. Goroutines started from
// work inside an executor run outside it and must not claim it.
func Detach(ctx context.Context) context.Context {
	if FromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, (*Executor)(nil))
}

// Task states. A queued task is claimed by exactly one of the executor
// loop (running) or its waiting caller (abandoned).
const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

type task struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
	state  atomic.Int32
}

// abandon reports whether the caller took the task back before it started.
func (t *task) abandon() bool {
	return t.state.CompareAndSwap(taskQueued, taskAbandoned)
}

// Executor runs submitted work serially on a single goroutine.
type Executor struct {
	id        string
	name      string
	createdAt time.Time
	logger    *slog.Logger

	mailbox chan *task
	done    chan struct{}
	once    sync.Once
	wg      conc.WaitGroup

	lastActive atomic.Int64
	completed  atomic.Int64
}

// NewExecutor starts an executor. Callers normally go through
// Registry.NewExecutor so the executor is tracked.
func NewExecutor(name string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		id:        uuid.New().String(),
		name:      name,
		createdAt: time.Now(),
		logger:    logger,
		mailbox:   make(chan *task, mailboxSize),
		done:      make(chan struct{}),
	}
	e.lastActive.Store(e.createdAt.UnixNano())
	e.wg.Go(e.loop)
	return e
}

// ID returns the executor's unique identifier.
func (e *Executor) ID() string { return e.id }

// Name returns the name given at creation.
func (e *Executor) Name() string { return e.name }

// CreatedAt returns when the executor was started.
func (e *Executor) CreatedAt() time.Time { return e.createdAt }

// LastActive returns when the executor last finished a task, or its
// creation time if it never ran one.
func (e *Executor) LastActive() time.Time {
	return time.Unix(0, e.lastActive.Load())
}

// Completed returns the number of tasks run.
func (e *Executor) Completed() int64 { return e.completed.Load() }

// Pending returns the number of queued tasks.
func (e *Executor) Pending() int { return len(e.mailbox) }

// Closed reports whether Close has been called.
func (e *Executor) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Do runs fn inside the executor and waits for it. If the caller is
// already inside e, fn runs inline. Queued work that has not started when
// the executor closes fails with ErrExecutorClosed.
func (e *Executor) Do(ctx context.Context, fn func(context.Context) error) error {
	if FromContext(ctx) == e {
		return fn(ctx)
	}
	if e.Closed() {
		return ErrExecutorClosed
	}

	t := &task{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case e.mailbox <- t:
	case <-e.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.result:
		return err
	case <-e.done:
		if t.abandon() {
			return ErrExecutorClosed
		}
	case <-ctx.Done():
		if t.abandon() {
			return ctx.Err()
		}
	}
	// Already running; it sees the same ctx and will finish.
	return <-t.result
}

// Wait blocks until done is closed, ctx ends or e closes. Called from
// work running inside e, it keeps running e's queued tasks meanwhile, so
// work the caller is waiting on can still be marshaled into e.
func (e *Executor) Wait(ctx context.Context, done <-chan struct{}) error {
	if FromContext(ctx) != e {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrExecutorClosed
		case t := <-e.mailbox:
			e.runQueued(t)
		}
	}
}

// Close stops the executor after the running task finishes and waits for
// its goroutine. It must not be called from work running inside e.
func (e *Executor) Close() {
	e.once.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}

func (e *Executor) loop() {
	for {
		select {
		case <-e.done:
			return
		case t := <-e.mailbox:
			e.runQueued(t)
		}
	}
}

// runQueued runs t unless its caller already abandoned it.
func (e *Executor) runQueued(t *task) {
	if !t.state.CompareAndSwap(taskQueued, taskRunning) {
		return
	}
	t.result <- e.run(t)
	e.completed.Add(1)
	e.lastActive.Store(time.Now().UnixNano())
}

func (e *Executor) run(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor task panicked",
				slog.String("executor", e.name),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("executor %s: task panicked: %v", e.name, r)
		}
	}()
	if t.ctx.Err() != nil {
		return t.ctx.Err()
	}
	return t.fn(WithExecutor(t.ctx, e))
}
