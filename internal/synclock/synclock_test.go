package synclock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

func TestRun_SerializesSameObjId(t *testing.T) {
	t.Parallel()

	s := New()
	id := objid.MustNew("obj-A")

	var mu sync.Mutex
	inCritical := false
	overlapped := false

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.Run(context.Background(), id, func(_ context.Context) error {
				mu.Lock()
				if inCritical {
					overlapped = true
				}
				inCritical = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inCritical = false
				mu.Unlock()

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.False(t, overlapped, "two actions ran concurrently on the same objId")
}

func TestRun_DifferentObjIdsRunConcurrently(t *testing.T) {
	t.Parallel()

	s := New()

	var wg sync.WaitGroup

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	for _, raw := range []string{"obj-A", "obj-B"} {
		id := objid.MustNew(raw)

		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.Run(context.Background(), id, func(_ context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	// Both distinct objIds must be able to enter their critical section
	// before either is released.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for concurrent entries across distinct objIds")
		}
	}

	close(release)
	wg.Wait()
}

func TestRun_FIFOOrder(t *testing.T) {
	t.Parallel()

	s := New()
	id := objid.MustNew("obj-A")

	var order []int
	var mu sync.Mutex

	holderStarted := make(chan struct{})
	holderRelease := make(chan struct{})

	go func() {
		_ = s.Run(context.Background(), id, func(_ context.Context) error {
			close(holderStarted)
			<-holderRelease
			return nil
		})
	}()

	<-holderStarted

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)

		// Stagger submission slightly to make arrival order deterministic.
		time.Sleep(time.Millisecond)

		go func() {
			defer wg.Done()

			_ = s.Run(context.Background(), id, func(_ context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()

				return nil
			})
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(holderRelease)
	wg.Wait()

	require.Len(t, order, 5)
	for i, v := range order {
		assert.Equal(t, i, v, "FIFO order violated")
	}
}

func TestRun_CancelWhileQueued(t *testing.T) {
	t.Parallel()

	s := New()
	id := objid.MustNew("obj-A")

	holderRelease := make(chan struct{})

	go func() {
		_ = s.Run(context.Background(), id, func(_ context.Context) error {
			<-holderRelease
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := s.Run(ctx, id, func(_ context.Context) error {
		ran = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, ran)

	close(holderRelease)

	// The lock must still be usable after an abandonment.
	err = s.Run(context.Background(), id, func(_ context.Context) error { return nil })
	require.NoError(t, err)
}

func TestRun_RootSentinelHasOwnKey(t *testing.T) {
	t.Parallel()

	s := New()

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = s.Run(context.Background(), objid.Root(), func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started

	// A non-root object id must not be blocked by the root's lock.
	done := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), objid.MustNew("obj-A"), func(_ context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("non-root objId blocked by root lock")
	}

	close(release)
}
