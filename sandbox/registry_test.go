package sandbox

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/pyexec/apperror"
)

func TestRegistryBookkeeping(t *testing.T) {
	registry := newTestRegistry(t, 50*time.Millisecond)
	a, b := newMockProcess(1), newMockProcess(2)

	require.NoError(t, registerProcess(registry, "b-run", b))
	require.NoError(t, registerProcess(registry, "a-run", a))
	assert.Equal(t, 2, registry.Count())
	assert.Equal(t, []string{"a-run", "b-run"}, registry.IDs())

	p, ok := registry.Lookup("a-run")
	require.True(t, ok)
	assert.Same(t, a, p)

	_, ok = registry.Lookup("missing")
	assert.False(t, ok)

	t.Run("DuplicateRegistration", func(t *testing.T) {
		err := registerProcess(registry, "a-run", newMockProcess(3))
		require.Error(t, err)
		assert.ErrorIs(t, err, apperror.ErrConflict)
	})
}

func TestRegistryCancel(t *testing.T) {
	t.Run("UnknownID", func(t *testing.T) {
		registry := newTestRegistry(t, 50*time.Millisecond)
		assert.False(t, registry.Cancel("nope"))
	})

	t.Run("TerminatesAndRemoves", func(t *testing.T) {
		registry := newTestRegistry(t, time.Second)
		p := newMockProcess(10)
		require.NoError(t, registerProcess(registry, "job", p))

		assert.True(t, registry.Cancel("job"))

		terminated, killed := p.counts()
		assert.Equal(t, 1, terminated)
		assert.Zero(t, killed, "a process that exits on terminate is not killed")
		assert.Zero(t, registry.Count())
		assert.False(t, registry.Cancel("job"), "cancelling twice reports not found")
	})

	t.Run("EscalatesAfterGracePeriod", func(t *testing.T) {
		grace := 100 * time.Millisecond
		registry := newTestRegistry(t, grace)
		p := newMockProcess(11)
		p.ignoreTerm = true
		require.NoError(t, registerProcess(registry, "stubborn", p))

		start := time.Now()
		assert.True(t, registry.Cancel("stubborn"))

		assert.GreaterOrEqual(t, time.Since(start), grace)
		terminated, killed := p.counts()
		assert.Equal(t, 1, terminated)
		assert.Equal(t, 1, killed)
	})

	t.Run("ConcurrentCancelWinsOnce", func(t *testing.T) {
		registry := newTestRegistry(t, 100*time.Millisecond)
		p := newMockProcess(12)
		p.ignoreTerm = true
		require.NoError(t, registerProcess(registry, "racy", p))

		var wins atomic.Int32
		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				if registry.Cancel("racy") {
					wins.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int32(1), wins.Load())
		terminated, _ := p.counts()
		assert.Equal(t, 1, terminated)
	})

	t.Run("StopSequenceDoesNotHoldLock", func(t *testing.T) {
		registry := newTestRegistry(t, 500*time.Millisecond)
		p := newMockProcess(13)
		p.ignoreTerm = true
		require.NoError(t, registerProcess(registry, "slow-stop", p))

		go registry.Cancel("slow-stop")
		<-p.terminateCh

		start := time.Now()
		require.NoError(t, registerProcess(registry, "other", newMockProcess(14)))
		assert.Equal(t, 2, registry.Count())
		assert.Less(t, time.Since(start), 100*time.Millisecond)

		assert.Eventually(t, func() bool { return registry.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
	})

	t.Run("RegistrationAfterCancelIsNew", func(t *testing.T) {
		registry := newTestRegistry(t, 50*time.Millisecond)
		require.NoError(t, registerProcess(registry, "reuse", newMockProcess(15)))
		require.True(t, registry.Cancel("reuse"))

		fresh := newMockProcess(16)
		require.NoError(t, registerProcess(registry, "reuse", fresh))
		p, ok := registry.Lookup("reuse")
		require.True(t, ok)
		assert.Same(t, fresh, p)
	})
}

func TestRegistryCancelAll(t *testing.T) {
	registry := newTestRegistry(t, 100*time.Millisecond)
	procs := []*MockProcess{newMockProcess(21), newMockProcess(22), newMockProcess(23)}
	procs[1].ignoreTerm = true
	for i, p := range procs {
		require.NoError(t, registerProcess(registry, string(rune('a'+i)), p))
	}

	require.NoError(t, registry.CancelAll(context.Background()))

	assert.Zero(t, registry.Count())
	for _, p := range procs {
		select {
		case <-p.Done():
		default:
			t.Fatalf("process %d still running", p.PID())
		}
	}

	t.Run("Empty", func(t *testing.T) {
		assert.NoError(t, registry.CancelAll(context.Background()))
	})
}

func TestRegistryReservation(t *testing.T) {
	t.Run("ConflictBeforeBind", func(t *testing.T) {
		registry := newTestRegistry(t, 50*time.Millisecond)
		res, err := registry.Reserve("job")
		require.NoError(t, err)
		assert.Equal(t, "job", res.ID())
		assert.Equal(t, []string{"job"}, registry.IDs(), "a reserved id counts as running")

		_, err = registry.Reserve("job")
		assert.ErrorIs(t, err, apperror.ErrConflict)

		_, bound := registry.Lookup("job")
		assert.False(t, bound)

		p := newMockProcess(30)
		require.True(t, res.Bind(p))
		got, bound := registry.Lookup("job")
		require.True(t, bound)
		assert.Same(t, p, got)

		res.Release()
		assert.Zero(t, registry.Count())
		res.Release()
	})

	t.Run("CancelBeforeBind", func(t *testing.T) {
		registry := newTestRegistry(t, 50*time.Millisecond)
		res, err := registry.Reserve("early")
		require.NoError(t, err)

		assert.True(t, registry.Cancel("early"))
		assert.False(t, registry.Cancel("early"))
		assert.False(t, res.Bind(newMockProcess(31)), "binding after cancel must fail")

		res.Release()
		assert.Zero(t, registry.Count())
	})

	t.Run("StaleReleaseKeepsNewOwner", func(t *testing.T) {
		registry := newTestRegistry(t, 50*time.Millisecond)
		old, err := registry.Reserve("reuse")
		require.NoError(t, err)
		require.True(t, old.Bind(newMockProcess(32)))
		require.True(t, registry.Cancel("reuse"))

		fresh, err := registry.Reserve("reuse")
		require.NoError(t, err)
		old.Release()

		assert.Equal(t, []string{"reuse"}, registry.IDs())
		fresh.Release()
		assert.Zero(t, registry.Count())
	})

	t.Run("ExitedProcessIsNotStopped", func(t *testing.T) {
		registry := newTestRegistry(t, 50*time.Millisecond)
		p := newMockProcess(33)
		require.NoError(t, registerProcess(registry, "finished", p))
		p.exit()

		assert.False(t, registry.Cancel("finished"))
		terminated, killed := p.counts()
		assert.Zero(t, terminated)
		assert.Zero(t, killed)
	})

	t.Run("ClosedRegistryRefuses", func(t *testing.T) {
		registry := newTestRegistry(t, 50*time.Millisecond)
		registry.Close()

		_, err := registry.Reserve("late")
		assert.ErrorIs(t, err, ErrShuttingDown)
		assert.ErrorIs(t, registerProcess(registry, "late", newMockProcess(34)), ErrShuttingDown)
	})
}

func TestRegistryCancelAllExpiredContext(t *testing.T) {
	registry := newTestRegistry(t, 10*time.Second)
	stubborn := newMockProcess(40)
	stubborn.ignoreTerm = true
	require.NoError(t, registerProcess(registry, "stubborn", stubborn))
	pending, err := registry.Reserve("pending")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err = registry.CancelAll(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "an ended context must not wait for the grace period")
	terminated, killed := stubborn.counts()
	assert.Equal(t, 1, terminated, "every group is signalled before the context is honoured")
	assert.Equal(t, 1, killed)
	assert.Zero(t, registry.Count())
	assert.False(t, pending.Bind(newMockProcess(41)), "a reserved run must not start after CancelAll")
}
