package affinity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowguard/pkg/flowguard/affinity"
	fgerrors "github.com/randalmurphal/flowguard/pkg/flowguard/errors"
)

func newRegistry(t *testing.T, opts ...affinity.Option) *affinity.Registry {
	t.Helper()
	r := affinity.NewRegistry(opts...)
	t.Cleanup(r.Close)
	return r
}

func TestSubmit_UnregisteredRunsInline(t *testing.T) {
	r := newRegistry(t)

	var seen *affinity.Executor
	err := r.Submit(context.Background(), "unknown", func(ctx context.Context) error {
		seen = affinity.FromContext(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, seen)
	assert.Equal(t, int64(1), r.Stats().Inline)
}

func TestSubmit_MarshalsToOwner(t *testing.T) {
	r := newRegistry(t)
	owner := r.NewExecutor("queue")
	r.RegisterResource("event_queue", owner)

	var seen *affinity.Executor
	err := r.Submit(context.Background(), "event_queue", func(ctx context.Context) error {
		seen = affinity.FromContext(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, owner, seen)

	// Already inside the owner: inline, no deadlock.
	err = owner.Do(context.Background(), func(ctx context.Context) error {
		return r.Submit(ctx, "event_queue", func(inner context.Context) error {
			assert.Same(t, owner, affinity.FromContext(inner))
			return nil
		})
	})
	require.NoError(t, err)

	st := r.Stats()
	assert.Equal(t, int64(1), st.Marshaled)
	assert.Equal(t, 1, st.Resources)
	assert.Equal(t, 1, st.ResourcesByExecutor["queue"])
}

func TestSubmit_PropagatesError(t *testing.T) {
	r := newRegistry(t)
	r.RegisterResource("res", r.NewExecutor("owner"))

	boom := errors.New("boom")
	err := r.Submit(context.Background(), "res", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSubmit_DeadOwnerFallsBackToCaller(t *testing.T) {
	r := newRegistry(t)
	owner := r.NewExecutor("owner")
	caller := r.NewExecutor("caller")
	r.RegisterResource("res", owner)
	owner.Close()

	var seen *affinity.Executor
	err := caller.Do(context.Background(), func(ctx context.Context) error {
		return r.Submit(ctx, "res", func(ctx context.Context) error {
			seen = affinity.FromContext(ctx)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Same(t, caller, seen, "work runs in the caller")

	bound, ok := r.Owner("res")
	require.True(t, ok)
	assert.Same(t, caller, bound, "resource rebound to the caller")
	assert.Equal(t, int64(1), r.Stats().Fallbacks)
}

func TestSubmit_DeadOwnerWithoutCallerExecutor(t *testing.T) {
	r := newRegistry(t)
	owner := r.NewExecutor("owner")
	r.RegisterResource("res", owner)
	owner.Close()

	ran := false
	err := r.Submit(context.Background(), "res", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSubmit_Timeout(t *testing.T) {
	r := newRegistry(t, affinity.WithSubmitTimeout(20*time.Millisecond))
	r.RegisterResource("slow", r.NewExecutor("owner"))

	err := r.Submit(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, fgerrors.KindCrossContextFailure, fgerrors.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall(t *testing.T) {
	r := newRegistry(t)
	owner := r.NewExecutor("owner")
	r.RegisterResource("counter", owner)

	got, err := affinity.Call(context.Background(), r, "counter", func(ctx context.Context) (string, error) {
		return affinity.FromContext(ctx).Name(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "owner", got)
}

func TestRunInExecutor(t *testing.T) {
	r := newRegistry(t)
	exec := r.NewExecutor("target")

	var seen *affinity.Executor
	require.NoError(t, r.RunInExecutor(context.Background(), exec, func(ctx context.Context) error {
		seen = affinity.FromContext(ctx)
		return nil
	}))
	assert.Same(t, exec, seen)

	exec.Close()
	err := r.RunInExecutor(context.Background(), exec, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, affinity.ErrExecutorClosed)
	assert.Equal(t, fgerrors.KindCrossContextFailure, fgerrors.KindOf(err))

	err = r.RunInExecutor(context.Background(), nil, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestGetOrCreateExecutor(t *testing.T) {
	r := newRegistry(t)

	created := r.GetOrCreateExecutor(context.Background())
	require.NotNil(t, created)
	assert.Len(t, r.Executors(), 1)

	var reused *affinity.Executor
	require.NoError(t, created.Do(context.Background(), func(ctx context.Context) error {
		reused = r.GetOrCreateExecutor(ctx)
		return nil
	}))
	assert.Same(t, created, reused)
	assert.Len(t, r.Executors(), 1)

	created.Close()
	ctx := affinity.WithExecutor(context.Background(), created)
	fresh := r.GetOrCreateExecutor(ctx)
	assert.NotSame(t, created, fresh)
}

func TestValidateContextForResource(t *testing.T) {
	r := newRegistry(t)
	owner := r.NewExecutor("owner")
	other := r.NewExecutor("other")
	r.RegisterResource("res", owner)

	assert.True(t, r.ValidateContextForResource(context.Background(), "unregistered"))
	assert.False(t, r.ValidateContextForResource(context.Background(), "res"))
	assert.True(t, r.ValidateContextForResource(affinity.WithExecutor(context.Background(), owner), "res"))

	otherCtx := affinity.WithExecutor(context.Background(), other)
	assert.False(t, r.ValidateContextForResource(otherCtx, "res"))

	owner.Close()
	assert.True(t, r.ValidateContextForResource(otherCtx, "res"))
	bound, _ := r.Owner("res")
	assert.Same(t, other, bound)
}

func TestUnregisterResource(t *testing.T) {
	r := newRegistry(t)
	r.RegisterResource("res", r.NewExecutor("owner"))
	r.UnregisterResource("res")
	r.UnregisterResource("res")

	_, ok := r.Owner("res")
	assert.False(t, ok)
}

func TestCleanupStaleExecutors(t *testing.T) {
	r := newRegistry(t)
	owning := r.NewExecutor("owning")
	idle := r.NewExecutor("idle")
	closed := r.NewExecutor("closed")
	r.RegisterResource("res", owning)
	closed.Close()

	time.Sleep(20 * time.Millisecond)
	fresh := r.NewExecutor("fresh")

	removed := r.CleanupStaleExecutors(10 * time.Millisecond)
	assert.ElementsMatch(t, []string{idle.ID(), closed.ID()}, removed)
	assert.True(t, idle.Closed())
	assert.False(t, owning.Closed())
	assert.False(t, fresh.Closed())

	st := r.Stats()
	assert.Equal(t, 2, st.Executors)
	assert.Equal(t, 0, st.ClosedExecutors)
}

func TestClose(t *testing.T) {
	r := affinity.NewRegistry()
	a := r.NewExecutor("a")
	r.RegisterResource("res", a)
	r.Close()

	assert.True(t, a.Closed())
	assert.Empty(t, r.Executors())
	_, ok := r.Owner("res")
	assert.False(t, ok)
}
