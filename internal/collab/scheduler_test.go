package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

const testIdle = 30 * time.Second

func newTestScheduler(threshold int, observers ...FlushObserver) (*Scheduler, *fakeClock, *fakeSource, *fakeVersions) {
	clock := newFakeClock()
	source := newFakeSource()
	versions := newFakeVersions()
	s := NewScheduler(SchedulerConfig{IdleDelay: testIdle, Threshold: threshold, Clock: clock}, source, versions, zerolog.Nop(), nil, observers...)
	return s, clock, source, versions
}

func TestThresholdFlushesWithoutWaitingForIdle(t *testing.T) {
	s, clock, source, versions := newTestScheduler(3)
	source.set("doc-1", "v3", "bob")

	s.NoteMutation(context.Background(), "doc-1")
	s.NoteMutation(context.Background(), "doc-1")
	assert.Empty(t, versions.records())

	s.NoteMutation(context.Background(), "doc-1")
	records := versions.records()
	require.Len(t, records, 1)
	assert.Equal(t, "v3", records[0].Payload.Content)
	assert.Equal(t, "bob", records[0].AuthorID)
	assert.Equal(t, clock.Now(), records[0].CreatedAt)
	assert.Equal(t, 0, s.Pending("doc-1"))
	assert.Equal(t, 0, clock.armed(), "flush cancels the idle timer")
}

func TestIdleTimerFlushesAfterQuietPeriod(t *testing.T) {
	s, clock, source, versions := newTestScheduler(10)
	source.set("doc-1", "draft", "alice")

	s.NoteMutation(context.Background(), "doc-1")
	s.NoteMutation(context.Background(), "doc-1")
	clock.Advance(testIdle - time.Second)
	assert.Empty(t, versions.records())

	clock.Advance(time.Second)
	require.Len(t, versions.records(), 1)
	saved, ok := versions.saved("doc-1")
	require.True(t, ok)
	assert.Equal(t, "draft", saved.Content)
	assert.Equal(t, 0, s.Pending("doc-1"))
}

func TestMutationRestartsIdleTimer(t *testing.T) {
	s, clock, source, versions := newTestScheduler(10)
	source.set("doc-1", "x", "alice")

	s.NoteMutation(context.Background(), "doc-1")
	clock.Advance(20 * time.Second)
	s.NoteMutation(context.Background(), "doc-1")
	clock.Advance(20 * time.Second)
	assert.Empty(t, versions.records())
	assert.Equal(t, 1, clock.armed())

	clock.Advance(10 * time.Second)
	assert.Len(t, versions.records(), 1)
}

func TestFailedFlushKeepsPendingAndRetriesOnNextTrigger(t *testing.T) {
	s, clock, source, versions := newTestScheduler(2)
	source.set("doc-1", "keep me", "alice")
	var fail atomic.Bool
	fail.Store(true)
	versions.updateFn = func(context.Context, string, store.Payload) error {
		if fail.Load() {
			return errors.New("connection refused")
		}
		return nil
	}

	s.NoteMutation(context.Background(), "doc-1")
	s.NoteMutation(context.Background(), "doc-1")

	assert.Equal(t, 2, s.Pending("doc-1"))
	assert.Empty(t, versions.records())
	assert.Equal(t, 1, clock.armed(), "idle timer re-armed after failure")

	// No hot loop: nothing happens until the idle delay passes.
	clock.Advance(testIdle - time.Second)
	assert.Empty(t, versions.records())

	fail.Store(false)
	clock.Advance(time.Second)
	records := versions.records()
	require.Len(t, records, 1)
	assert.Equal(t, "keep me", records[0].Payload.Content)
	assert.Equal(t, 0, s.Pending("doc-1"))
}

func TestAppendFailureIsRetried(t *testing.T) {
	s, clock, source, versions := newTestScheduler(10)
	source.set("doc-1", "body", "alice")
	var appends atomic.Int32
	versions.appendFn = func(ctx context.Context, record store.VersionRecord) (store.VersionRecord, error) {
		if appends.Add(1) == 1 {
			return store.VersionRecord{}, errors.New("disk full")
		}
		record.ID = 7
		return record, nil
	}

	s.NoteMutation(context.Background(), "doc-1")
	err := s.Flush(context.Background(), "doc-1", TriggerDisconnect)
	require.Error(t, err)
	assert.Equal(t, 1, s.Pending("doc-1"))

	clock.Advance(testIdle)
	assert.Equal(t, int32(2), appends.Load())
	assert.Equal(t, 0, s.Pending("doc-1"))
}

func TestAtMostOneFlushInFlightPerDocument(t *testing.T) {
	s, _, source, versions := newTestScheduler(100)
	source.set("doc-1", "x", "alice")

	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	versions.updateFn = func(context.Context, string, store.Payload) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return nil
	}

	s.NoteMutation(context.Background(), "doc-1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Flush(context.Background(), "doc-1", TriggerDisconnect)
		}()
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Len(t, versions.records(), 1, "later flushes find nothing pending")
}

func TestMutationDuringFlushStaysPending(t *testing.T) {
	s, clock, source, versions := newTestScheduler(100)
	source.set("doc-1", "first", "alice")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	versions.updateFn = func(context.Context, string, store.Payload) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}

	s.NoteMutation(context.Background(), "doc-1")
	done := make(chan error)
	go func() { done <- s.Flush(context.Background(), "doc-1", TriggerDisconnect) }()
	<-entered

	source.set("doc-1", "second", "bob")
	s.NoteMutation(context.Background(), "doc-1")
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, s.Pending("doc-1"))
	clock.Advance(testIdle)
	records := versions.records()
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[1].Payload.Content)
	assert.Equal(t, "bob", records[1].AuthorID)
}

func TestDeletedDocumentDropsPending(t *testing.T) {
	s, clock, source, versions := newTestScheduler(10)
	source.set("doc-1", "x", "alice")
	versions.updateFn = func(context.Context, string, store.Payload) error {
		return store.ErrNotFound
	}

	s.NoteMutation(context.Background(), "doc-1")
	err := s.Flush(context.Background(), "doc-1", TriggerIdle)

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, s.Pending("doc-1"))
	assert.Equal(t, 0, clock.armed())
}

func TestFlushWithNothingPendingIsNoop(t *testing.T) {
	s, _, source, versions := newTestScheduler(10)
	source.set("doc-1", "x", "alice")

	require.NoError(t, s.Flush(context.Background(), "doc-1", TriggerDisconnect))
	assert.Empty(t, versions.records())
}

func TestFlushAllFlushesEveryPendingDocument(t *testing.T) {
	s, clock, source, versions := newTestScheduler(10)
	source.set("doc-1", "one", "alice")
	source.set("doc-2", "two", "bob")
	source.set("doc-3", "three", "cy")

	s.NoteMutation(context.Background(), "doc-1")
	s.NoteMutation(context.Background(), "doc-2")

	require.NoError(t, s.FlushAll(context.Background()))
	records := versions.records()
	require.Len(t, records, 2)
	assert.Equal(t, "doc-1", records[0].DocumentID)
	assert.Equal(t, "doc-2", records[1].DocumentID)
	assert.Equal(t, 0, clock.armed())
}

func TestSettledFlushNotifiesHook(t *testing.T) {
	s, _, source, _ := newTestScheduler(1)
	source.set("doc-1", "x", "alice")
	var settled []string
	s.onSettled = func(id string) { settled = append(settled, id) }

	s.NoteMutation(context.Background(), "doc-1")
	assert.Equal(t, []string{"doc-1"}, settled)
}

type recordingObserver struct {
	name string
	err  error

	mu   sync.Mutex
	seen []store.VersionRecord
}

func (o *recordingObserver) Name() string { return o.name }

func (o *recordingObserver) VersionFlushed(ctx context.Context, record store.VersionRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, record)
	return o.err
}

func TestObserversSeeRecordsAndCannotFailFlush(t *testing.T) {
	good := &recordingObserver{name: "good"}
	bad := &recordingObserver{name: "bad", err: errors.New("index unavailable")}
	s, _, source, versions := newTestScheduler(1, good, bad)
	source.set("doc-1", "x", "alice")

	s.NoteMutation(context.Background(), "doc-1")
	s.Wait()

	require.Len(t, versions.records(), 1)
	assert.Equal(t, 0, s.Pending("doc-1"))
	for _, obs := range []*recordingObserver{good, bad} {
		obs.mu.Lock()
		require.Len(t, obs.seen, 1)
		assert.Equal(t, "doc-1", obs.seen[0].DocumentID)
		obs.mu.Unlock()
	}
}

func TestFlushWaitsForFlushLockHolder(t *testing.T) {
	s, _, source, versions := newTestScheduler(100)
	source.set("doc-1", "body", "alice")
	s.NoteMutation(context.Background(), "doc-1")

	inside := make(chan struct{})
	release := make(chan struct{})
	locked := make(chan error)
	go func() {
		locked <- s.WithFlushLock("doc-1", func() error {
			close(inside)
			<-release
			source.mu.Lock()
			source.payload["doc-1"] = store.Payload{Title: "Renamed", Content: "body"}
			source.mu.Unlock()
			return nil
		})
	}()
	<-inside

	flushed := make(chan error)
	go func() { flushed <- s.Flush(context.Background(), "doc-1", TriggerIdle) }()
	select {
	case <-flushed:
		t.Fatal("flush ran while the flush lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-locked)
	require.NoError(t, <-flushed)
	saved, ok := versions.saved("doc-1")
	require.True(t, ok)
	assert.Equal(t, "Renamed", saved.Title, "snapshot taken after the lock holder applied its change")
}

func TestFlushLockOnIdleDocumentLeavesNoState(t *testing.T) {
	s, _, _, _ := newTestScheduler(10)
	wantErr := errors.New("save failed")

	err := s.WithFlushLock("doc-1", func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	s.mu.Lock()
	_, tracked := s.docs["doc-1"]
	s.mu.Unlock()
	assert.False(t, tracked)
}

func TestLostLeaseDropsPendingInsteadOfWriting(t *testing.T) {
	s, clock, source, versions := newTestScheduler(10)
	source.set("doc-1", "written elsewhere now", "alice")
	var lost []string
	s.onLeaseLost = func(id string) { lost = append(lost, id) }

	s.NoteMutation(context.Background(), "doc-1")
	source.loseLease("doc-1")
	err := s.Flush(context.Background(), "doc-1", TriggerIdle)

	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.Empty(t, versions.records())
	_, written := versions.saved("doc-1")
	assert.False(t, written)
	assert.Equal(t, 0, s.Pending("doc-1"))
	assert.Equal(t, 0, clock.armed(), "no retry is scheduled")
	assert.Equal(t, []string{"doc-1"}, lost)
}
