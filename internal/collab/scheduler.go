package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/metrics"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock backed by time.AfterFunc.
var SystemClock Clock = systemClock{}

type Trigger string

const (
	TriggerIdle       Trigger = "idle"
	TriggerThreshold  Trigger = "threshold"
	TriggerDisconnect Trigger = "disconnect"
	TriggerShutdown   Trigger = "shutdown"
)

// ErrLeaseLost is returned by Flush once another instance holds the
// document's lease.
var ErrLeaseLost = errors.New("document lease lost")

type SnapshotSource interface {
	Snapshot(documentID string) (store.Payload, string, bool)
	Owns(documentID string) bool
}

type VersionStore interface {
	UpdateDocumentContent(ctx context.Context, documentID string, payload store.Payload) error
	AppendVersion(ctx context.Context, record store.VersionRecord) (store.VersionRecord, error)
}

// FlushObserver is told about every version record written. Observers run
// asynchronously and their errors never fail the flush.
type FlushObserver interface {
	Name() string
	VersionFlushed(ctx context.Context, record store.VersionRecord) error
}

type SchedulerConfig struct {
	IdleDelay time.Duration
	Threshold int
	Clock     Clock
}

type flushState struct {
	pending int
	timer   Timer
	// seq identifies the armed timer; zero when none is armed.
	seq     uint64
	flushMu sync.Mutex
}

// Scheduler decides when a document's cached payload is written through to
// storage and recorded as a version: after IdleDelay without mutations, or
// as soon as Threshold mutations are pending. At most one flush per
// document runs at a time.
type Scheduler struct {
	cfg       SchedulerConfig
	source    SnapshotSource
	store     VersionStore
	observers []FlushObserver
	log       zerolog.Logger
	metrics   *metrics.Metrics

	// onSettled runs after a flush leaves nothing pending.
	onSettled func(documentID string)
	// onLeaseLost runs when a flush finds the lease gone. Pending mutations
	// are dropped before it is called.
	onLeaseLost func(documentID string)

	mu   sync.Mutex
	docs map[string]*flushState
	seq  uint64

	observerWG sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, source SnapshotSource, versions VersionStore, log zerolog.Logger, m *metrics.Metrics, observers ...FlushObserver) *Scheduler {
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	return &Scheduler{
		cfg:       cfg,
		source:    source,
		store:     versions,
		observers: observers,
		log:       log,
		metrics:   m,
		docs:      make(map[string]*flushState),
	}
}

// NoteMutation records one unflushed mutation. Reaching the threshold flushes
// synchronously; otherwise the idle timer is restarted.
func (s *Scheduler) NoteMutation(ctx context.Context, documentID string) {
	s.mu.Lock()
	st, ok := s.docs[documentID]
	if !ok {
		st = &flushState{}
		s.docs[documentID] = st
	}
	st.pending++
	s.stopTimerLocked(st)
	if st.pending >= s.cfg.Threshold {
		s.mu.Unlock()
		_ = s.Flush(context.WithoutCancel(ctx), documentID, TriggerThreshold)
		return
	}
	s.armLocked(documentID, st)
	s.mu.Unlock()
}

func (s *Scheduler) armLocked(documentID string, st *flushState) {
	s.seq++
	seq := s.seq
	st.seq = seq
	st.timer = s.cfg.Clock.AfterFunc(s.cfg.IdleDelay, func() { s.fire(documentID, seq) })
}

func (s *Scheduler) stopTimerLocked(st *flushState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.seq = 0
}

func (s *Scheduler) fire(documentID string, seq uint64) {
	s.mu.Lock()
	st, ok := s.docs[documentID]
	if !ok || st.seq != seq {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	st.seq = 0
	s.mu.Unlock()

	_ = s.Flush(context.Background(), documentID, TriggerIdle)
}

// Pending returns the number of mutations not yet flushed.
func (s *Scheduler) Pending(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.docs[documentID]; ok {
		return st.pending
	}
	return 0
}

// Flush writes the cached payload through and appends a version record if
// anything is pending. On failure the cache and pending count are left
// untouched and the idle timer is re-armed, so the next trigger retries.
func (s *Scheduler) Flush(ctx context.Context, documentID string, trigger Trigger) error {
	s.mu.Lock()
	st, ok := s.docs[documentID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	st.flushMu.Lock()
	defer st.flushMu.Unlock()

	s.mu.Lock()
	if s.docs[documentID] != st {
		s.mu.Unlock()
		return nil
	}
	// Mutations are applied to the hub before they are counted, so the
	// snapshot taken below includes at least these n.
	n := st.pending
	s.mu.Unlock()
	if n == 0 {
		return nil
	}

	if !s.source.Owns(documentID) {
		s.metrics.Flush(string(trigger), ErrLeaseLost, 0)
		s.log.Warn().
			Str("document_id", documentID).
			Str("trigger", string(trigger)).
			Int("pending", n).
			Msg("document lease lost; dropping pending mutations")
		s.Forget(documentID)
		if s.onLeaseLost != nil {
			s.onLeaseLost(documentID)
		}
		return ErrLeaseLost
	}

	payload, author, ok := s.source.Snapshot(documentID)
	if !ok {
		return nil
	}

	start := time.Now()
	record, err := s.write(ctx, documentID, payload, author)
	s.metrics.Flush(string(trigger), err, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Str("document_id", documentID).Str("trigger", string(trigger)).Msg("document deleted before flush; dropping pending mutations")
			s.Forget(documentID)
			return err
		}
		s.log.Error().Err(err).
			Str("document_id", documentID).
			Str("trigger", string(trigger)).
			Int("pending", n).
			Msg("version flush failed")
		s.mu.Lock()
		if s.docs[documentID] == st && st.timer == nil {
			s.armLocked(documentID, st)
		}
		s.mu.Unlock()
		return err
	}

	settled := false
	s.mu.Lock()
	if s.docs[documentID] == st {
		st.pending -= n
		if st.pending <= 0 {
			st.pending = 0
			s.stopTimerLocked(st)
			settled = true
		}
	}
	s.mu.Unlock()

	s.log.Debug().
		Str("document_id", documentID).
		Str("trigger", string(trigger)).
		Int64("version_id", record.ID).
		Int("mutations", n).
		Msg("version flushed")

	s.notify(record)
	if settled && s.onSettled != nil {
		s.onSettled(documentID)
	}
	return nil
}

func (s *Scheduler) write(ctx context.Context, documentID string, payload store.Payload, author string) (store.VersionRecord, error) {
	if err := s.store.UpdateDocumentContent(ctx, documentID, payload); err != nil {
		return store.VersionRecord{}, fmt.Errorf("persist document: %w", err)
	}
	record, err := s.store.AppendVersion(ctx, store.VersionRecord{
		DocumentID: documentID,
		Payload:    payload,
		AuthorID:   author,
		CreatedAt:  s.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return store.VersionRecord{}, fmt.Errorf("append version: %w", err)
	}
	return record, nil
}

func (s *Scheduler) notify(record store.VersionRecord) {
	for _, obs := range s.observers {
		s.observerWG.Add(1)
		go func(obs FlushObserver) {
			defer s.observerWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obs.VersionFlushed(ctx, record); err != nil {
				s.metrics.ObserverFailed(obs.Name())
				s.log.Warn().Err(err).
					Str("observer", obs.Name()).
					Str("document_id", record.DocumentID).
					Msg("flush observer failed")
			}
		}(obs)
	}
}

// WithFlushLock runs fn while no flush of documentID is in progress. Flushes
// started meanwhile wait for fn, so their snapshot includes what fn applied.
func (s *Scheduler) WithFlushLock(documentID string, fn func() error) error {
	s.mu.Lock()
	st, ok := s.docs[documentID]
	if !ok {
		st = &flushState{}
		s.docs[documentID] = st
	}
	s.mu.Unlock()

	st.flushMu.Lock()
	defer st.flushMu.Unlock()
	err := fn()

	if !ok {
		s.mu.Lock()
		if s.docs[documentID] == st && st.pending == 0 && st.timer == nil {
			delete(s.docs, documentID)
		}
		s.mu.Unlock()
	}
	return err
}

// FlushAll flushes every document with pending mutations.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.docs))
	for id, st := range s.docs {
		if st.pending > 0 {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := s.Flush(ctx, id, TriggerShutdown); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Forget drops all scheduling state for the document.
func (s *Scheduler) Forget(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.docs[documentID]; ok {
		s.stopTimerLocked(st)
		delete(s.docs, documentID)
	}
}

// Wait blocks until running observers finish.
func (s *Scheduler) Wait() {
	s.observerWG.Wait()
}
