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

// ErrEvicted is returned by entry operations after the entry left the hub.
var ErrEvicted = errors.New("document evicted")

type Loader interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
}

// Leaser arbitrates which server process may hold a document in memory.
type Leaser interface {
	Acquire(ctx context.Context, documentID string) error
	Release(ctx context.Context, documentID string) error
	// Holds reports whether the lease is still ours as of the last renewal.
	Holds(documentID string) bool
}

// Entry is the shared in-memory state of one document. Mutations and the
// broadcasts they produce happen under one lock, so every subscriber sees
// them in hub arrival order.
type Entry struct {
	id      string
	ready   chan struct{}
	loadErr error

	// Guarded by Hub.mu.
	refs   int
	leased bool

	mu      sync.Mutex
	payload store.Payload
	author  string
	subs    map[string]Sink
	closed  bool
}

func (e *Entry) ID() string {
	return e.id
}

// Subscribe adds sink to the broadcast group. greet, when set, builds the
// first message the sink receives from the payload at subscription time.
func (e *Entry) Subscribe(sink Sink, greet func(store.Payload) Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEvicted
	}
	e.subs[sink.ID()] = sink
	if greet != nil {
		sink.Send(greet(e.payload))
	}
	return nil
}

func (e *Entry) Unsubscribe(connectionID string) {
	e.mu.Lock()
	delete(e.subs, connectionID)
	e.mu.Unlock()
}

// Mutate applies fn to a copy of the payload and, when fn succeeds, stores
// it as the new payload and fans msg out to every subscriber but exclude.
// It returns the number of subscribers the message was queued for.
func (e *Entry) Mutate(author string, fn func(p *store.Payload) error, msg Message, exclude string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEvicted
	}

	next := e.payload
	if err := fn(&next); err != nil {
		return 0, err
	}
	e.payload = next
	e.author = author
	return e.broadcastLocked(msg, exclude), nil
}

// Broadcast delivers msg at most once to each subscriber except exclude.
func (e *Entry) Broadcast(msg Message, exclude string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	return e.broadcastLocked(msg, exclude)
}

func (e *Entry) broadcastLocked(msg Message, exclude string) int {
	delivered := 0
	for id, sink := range e.subs {
		if id == exclude {
			continue
		}
		if sink.Send(msg) {
			delivered++
		}
	}
	return delivered
}

// Snapshot returns the cached payload and the user who last mutated it.
func (e *Entry) Snapshot() (store.Payload, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payload, e.author
}

func (e *Entry) Subscribers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Hub maps document id to the entry shared by every session on that
// document within this process.
type Hub struct {
	loader  Loader
	leaser  Leaser
	log     zerolog.Logger
	metrics *metrics.Metrics

	// onEvict runs under mu whenever an entry leaves the hub.
	onEvict func(documentID string)

	mu      sync.Mutex
	entries map[string]*Entry
	// releasing holds a channel per document whose lease release is in
	// flight; it is closed once the release finished.
	releasing map[string]chan struct{}
}

// NewHub builds a hub. leaser may be nil for single-instance deployments.
func NewHub(loader Loader, leaser Leaser, log zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		loader:  loader,
		leaser:  leaser,
		log:     log,
		metrics: m,
		entries:   make(map[string]*Entry),
		releasing: make(map[string]chan struct{}),
	}
}

// Acquire returns the entry for documentID with its reference count
// incremented, loading it from the store when absent. Concurrent acquirers
// of an absent document wait for a single load.
func (h *Hub) Acquire(ctx context.Context, documentID string) (*Entry, error) {
	h.mu.Lock()
	e, ok := h.entries[documentID]
	if !ok {
		e = &Entry{id: documentID, ready: make(chan struct{}), subs: make(map[string]Sink)}
		h.entries[documentID] = e
	}
	e.refs++
	h.mu.Unlock()

	if !ok {
		h.load(ctx, e)
	} else {
		select {
		case <-e.ready:
		case <-ctx.Done():
			h.Release(e)
			return nil, ctx.Err()
		}
	}

	if e.loadErr != nil {
		h.Release(e)
		return nil, e.loadErr
	}
	return e, nil
}

func (h *Hub) load(ctx context.Context, e *Entry) {
	defer close(e.ready)

	if h.leaser != nil {
		h.mu.Lock()
		pending := h.releasing[e.id]
		h.mu.Unlock()
		if pending != nil {
			select {
			case <-pending:
			case <-ctx.Done():
				e.loadErr = ctx.Err()
				h.drop(e)
				return
			}
		}
		if err := h.leaser.Acquire(ctx, e.id); err != nil {
			e.loadErr = fmt.Errorf("acquire document lease: %w", err)
			h.drop(e)
			return
		}
		h.mu.Lock()
		e.leased = true
		evicted := h.entries[e.id] != e
		h.mu.Unlock()
		if evicted {
			e.loadErr = ErrEvicted
			h.drop(e)
			return
		}
	}

	doc, err := h.loader.GetDocument(ctx, e.id)
	if err != nil {
		e.loadErr = fmt.Errorf("load document: %w", err)
		h.drop(e)
		return
	}

	e.mu.Lock()
	e.payload = doc.Payload
	e.mu.Unlock()
	h.metrics.DocumentLoaded()
	h.log.Debug().Str("document_id", e.id).Msg("document loaded")
}

// drop removes an entry whose load failed so the next acquirer retries.
func (h *Hub) drop(e *Entry) {
	h.mu.Lock()
	if h.entries[e.id] == e {
		delete(h.entries, e.id)
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	release := h.fenceReleaseLocked(e)
	h.mu.Unlock()
	release()
}

// Release decrements the entry's reference count and returns what remains.
// The entry stays cached until EvictIdle so the caller can flush first.
func (h *Hub) Release(e *Entry) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.refs > 0 {
		e.refs--
	}
	return e.refs
}

// EvictIdle removes the document's entry if no session references it.
func (h *Hub) EvictIdle(documentID string) bool {
	h.mu.Lock()
	e, ok := h.entries[documentID]
	if !ok || e.refs > 0 {
		h.mu.Unlock()
		return false
	}
	release := h.removeLocked(e)
	h.mu.Unlock()

	release()
	h.log.Debug().Str("document_id", documentID).Msg("document evicted")
	return true
}

// Evict removes the entry regardless of references, sends notice to every
// subscriber and returns their connection ids.
func (h *Hub) Evict(documentID string, notice Message) []string {
	h.mu.Lock()
	e, ok := h.entries[documentID]
	if !ok {
		h.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.subs))
	for id, sink := range e.subs {
		sink.Send(notice)
		ids = append(ids, id)
	}
	e.subs = make(map[string]Sink)
	e.mu.Unlock()

	release := h.removeLocked(e)
	h.mu.Unlock()

	release()
	sort.Strings(ids)
	return ids
}

// removeLocked closes e and drops it from the hub. The returned func
// releases the lease and must be called after mu is unlocked.
func (h *Hub) removeLocked(e *Entry) func() {
	delete(h.entries, e.id)
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if h.onEvict != nil {
		h.onEvict(e.id)
	}
	h.metrics.DocumentEvicted()
	return h.fenceReleaseLocked(e)
}

// fenceReleaseLocked records that e's lease is being released, so a new
// load of the same document waits for the release before acquiring. The
// lease belongs to the process, so it is kept when a newer entry for the
// document already took over.
func (h *Hub) fenceReleaseLocked(e *Entry) func() {
	if h.leaser == nil || !e.leased {
		return func() {}
	}
	e.leased = false
	if current, ok := h.entries[e.id]; ok && current != e {
		return func() {}
	}

	done := make(chan struct{})
	h.releasing[e.id] = done
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.leaser.Release(ctx, e.id); err != nil {
			h.log.Warn().Err(err).Str("document_id", e.id).Msg("release document lease")
		}

		h.mu.Lock()
		if h.releasing[e.id] == done {
			delete(h.releasing, e.id)
		}
		h.mu.Unlock()
		close(done)
	}
}

// Owns reports whether this process may still write the document. It is
// always true without a leaser.
func (h *Hub) Owns(documentID string) bool {
	return h.leaser == nil || h.leaser.Holds(documentID)
}

// Snapshot returns the cached payload and last author of an active document.
func (h *Hub) Snapshot(documentID string) (store.Payload, string, bool) {
	h.mu.Lock()
	e, ok := h.entries[documentID]
	h.mu.Unlock()
	if !ok {
		return store.Payload{}, "", false
	}
	select {
	case <-e.ready:
	default:
		return store.Payload{}, "", false
	}
	p, author := e.Snapshot()
	return p, author, true
}

func (h *Hub) Refs(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[documentID]; ok {
		return e.refs
	}
	return 0
}

// Documents lists the ids of every cached document.
func (h *Hub) Documents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.entries))
	for id := range h.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
