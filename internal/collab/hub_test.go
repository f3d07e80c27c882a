package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/lease"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

func staticLoader(payload store.Payload, loads *atomic.Int32) *fakeLoader {
	return &fakeLoader{getDocumentFn: func(ctx context.Context, documentID string) (store.Document, error) {
		if loads != nil {
			loads.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		return store.Document{ID: documentID, Payload: payload}, nil
	}}
}

func TestAcquireLoadsOnceForConcurrentJoiners(t *testing.T) {
	var loads atomic.Int32
	hub := NewHub(staticLoader(store.Payload{Title: "t", Content: "c"}, &loads), nil, zerolog.Nop(), nil)

	const joiners = 10
	var wg sync.WaitGroup
	entries := make([]*Entry, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := hub.Acquire(context.Background(), "doc-1")
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, joiners, hub.Refs("doc-1"))
	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}
	p, _, ok := hub.Snapshot("doc-1")
	require.True(t, ok)
	assert.Equal(t, store.Payload{Title: "t", Content: "c"}, p)
}

func TestMutateBroadcastExcludesSender(t *testing.T) {
	hub := NewHub(staticLoader(store.Payload{}, nil), nil, zerolog.Nop(), nil)
	e, err := hub.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	a, b, c := newRecorder("a"), newRecorder("b"), newRecorder("c")
	for _, r := range []*recorder{a, b, c} {
		require.NoError(t, e.Subscribe(r, nil))
	}

	content := "hello"
	n, err := e.Mutate("user-a", func(p *store.Payload) error {
		p.Content = content
		return nil
	}, Message{Event: EventContentChanged, Data: ContentChanged{Content: &content}}, "a")
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, 0, a.count(EventContentChanged))
	assert.Equal(t, 1, b.count(EventContentChanged))
	assert.Equal(t, 1, c.count(EventContentChanged))

	p, author := e.Snapshot()
	assert.Equal(t, "hello", p.Content)
	assert.Equal(t, "user-a", author)
}

func TestMutateFailureLeavesPayloadAndSkipsBroadcast(t *testing.T) {
	hub := NewHub(staticLoader(store.Payload{Title: "old"}, nil), nil, zerolog.Nop(), nil)
	e, err := hub.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	b := newRecorder("b")
	require.NoError(t, e.Subscribe(b, nil))

	boom := errors.New("write failed")
	_, err = e.Mutate("user-a", func(p *store.Payload) error {
		p.Title = "new"
		return boom
	}, Message{Event: EventContentChanged}, "a")

	assert.ErrorIs(t, err, boom)
	p, _ := e.Snapshot()
	assert.Equal(t, "old", p.Title)
	assert.Empty(t, b.messages())
}

func TestBroadcastOrderMatchesHubArrivalOrder(t *testing.T) {
	hub := NewHub(staticLoader(store.Payload{}, nil), nil, zerolog.Nop(), nil)
	e, err := hub.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	watchers := []*recorder{newRecorder("w1"), newRecorder("w2"), newRecorder("w3")}
	for _, w := range watchers {
		require.NoError(t, e.Subscribe(w, nil))
	}

	const writers, edits = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < edits; i++ {
				content := fmt.Sprintf("writer-%d-edit-%d", w, i)
				_, err := e.Mutate("user", func(p *store.Payload) error {
					p.Content = content
					return nil
				}, Message{Event: EventContentChanged, Data: ContentChanged{Content: &content}}, "")
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	sequence := func(r *recorder) []string {
		var out []string
		for _, m := range r.messages() {
			out = append(out, *m.Data.(ContentChanged).Content)
		}
		return out
	}
	first := sequence(watchers[0])
	require.Len(t, first, writers*edits)
	for _, w := range watchers[1:] {
		assert.Equal(t, first, sequence(w))
	}

	// Last writer wins: the cache holds the last broadcast content.
	p, _ := e.Snapshot()
	assert.Equal(t, first[len(first)-1], p.Content)
}

func TestReleaseKeepsEntryUntilEvictIdle(t *testing.T) {
	hub := NewHub(staticLoader(store.Payload{}, nil), nil, zerolog.Nop(), nil)
	var evicted []string
	hub.onEvict = func(id string) { evicted = append(evicted, id) }

	e1, err := hub.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	e2, err := hub.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	assert.Equal(t, 1, hub.Release(e1))
	assert.False(t, hub.EvictIdle("doc-1"), "still referenced")
	assert.Equal(t, 0, hub.Release(e2))
	assert.Equal(t, []string{"doc-1"}, hub.Documents())

	assert.True(t, hub.EvictIdle("doc-1"))
	assert.Empty(t, hub.Documents())
	assert.Equal(t, []string{"doc-1"}, evicted)

	_, err = e2.Mutate("u", func(*store.Payload) error { return nil }, Message{}, "")
	assert.ErrorIs(t, err, ErrEvicted)
}

func TestEvictNotifiesEverySubscriber(t *testing.T) {
	hub := NewHub(staticLoader(store.Payload{}, nil), nil, zerolog.Nop(), nil)
	e, err := hub.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	a, b := newRecorder("a"), newRecorder("b")
	require.NoError(t, e.Subscribe(a, nil))
	require.NoError(t, e.Subscribe(b, nil))

	ids := hub.Evict("doc-1", Message{Event: EventDocumentDeleted, Data: DocumentDeleted{DocumentID: "doc-1"}})

	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, 1, a.count(EventDocumentDeleted))
	assert.Equal(t, 1, b.count(EventDocumentDeleted))
	assert.ErrorIs(t, e.Subscribe(newRecorder("c"), nil), ErrEvicted)
	assert.Nil(t, hub.Evict("doc-1", Message{}))
}

func TestLoadFailureIsNotCached(t *testing.T) {
	var calls atomic.Int32
	loader := &fakeLoader{getDocumentFn: func(ctx context.Context, documentID string) (store.Document, error) {
		if calls.Add(1) == 1 {
			return store.Document{}, errors.New("db down")
		}
		return store.Document{ID: documentID, Payload: store.Payload{Content: "ok"}}, nil
	}}
	hub := NewHub(loader, nil, zerolog.Nop(), nil)

	_, err := hub.Acquire(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Empty(t, hub.Documents())

	e, err := hub.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	p, _ := e.Snapshot()
	assert.Equal(t, "ok", p.Content)
}

func TestLeaseHeldElsewhereFailsAcquire(t *testing.T) {
	leaser := &fakeLeaser{acquireFn: func(ctx context.Context, documentID string) error {
		return lease.ErrHeld
	}}
	hub := NewHub(staticLoader(store.Payload{}, nil), leaser, zerolog.Nop(), nil)

	_, err := hub.Acquire(context.Background(), "doc-1")
	assert.ErrorIs(t, err, lease.ErrHeld)
	assert.Empty(t, hub.Documents())
	assert.Empty(t, leaser.releases(), "a lease never taken is never released")
}

func TestEvictionReleasesLease(t *testing.T) {
	leaser := &fakeLeaser{}
	hub := NewHub(staticLoader(store.Payload{}, nil), leaser, zerolog.Nop(), nil)

	e, err := hub.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	hub.Release(e)
	require.True(t, hub.EvictIdle("doc-1"))

	assert.Equal(t, []string{"doc-1"}, leaser.releases())
}

func TestLeaseReleaseRunsOutsideHubLock(t *testing.T) {
	ctx := context.Background()
	releasing := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	var acquires atomic.Int32
	leaser := &fakeLeaser{
		acquireFn: func(context.Context, string) error {
			acquires.Add(1)
			return nil
		},
		releaseFn: func(context.Context, string) error {
			once.Do(func() {
				close(releasing)
				<-unblock
			})
			return nil
		},
	}
	hub := NewHub(staticLoader(store.Payload{}, nil), leaser, zerolog.Nop(), nil)

	e, err := hub.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	hub.Release(e)
	evicted := make(chan bool)
	go func() { evicted <- hub.EvictIdle("doc-1") }()
	<-releasing

	// Other documents stay reachable while the release is in flight.
	_, err = hub.Acquire(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-2"}, hub.Documents())

	reacquired := make(chan error)
	go func() {
		_, err := hub.Acquire(ctx, "doc-1")
		reacquired <- err
	}()
	select {
	case <-reacquired:
		t.Fatal("document re-leased before its previous lease was released")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, int32(2), acquires.Load())

	close(unblock)
	assert.True(t, <-evicted)
	require.NoError(t, <-reacquired)
	assert.Equal(t, int32(3), acquires.Load())
	assert.Equal(t, []string{"doc-1", "doc-2"}, hub.Documents())
}

func TestOwnsFollowsLeaser(t *testing.T) {
	leaser := &fakeLeaser{}
	hub := NewHub(staticLoader(store.Payload{}, nil), leaser, zerolog.Nop(), nil)
	assert.True(t, hub.Owns("doc-1"))
	leaser.lose("doc-1")
	assert.False(t, hub.Owns("doc-1"))

	unleased := NewHub(staticLoader(store.Payload{}, nil), nil, zerolog.Nop(), nil)
	assert.True(t, unleased.Owns("doc-1"))
}
