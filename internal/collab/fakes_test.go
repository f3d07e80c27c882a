package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

// recorder is a Sink that keeps every message it is sent.
type recorder struct {
	id string

	mu   sync.Mutex
	msgs []Message
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, m := range r.messages() {
		if m.Event == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event string) (Message, bool) {
	msgs := r.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Event == event {
			return msgs[i], true
		}
	}
	return Message{}, false
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

// fakeClock fires timers only when Advance moves past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeVersions is a VersionStore with optional hooks in front of an
// in-memory record of what was written.
type fakeVersions struct {
	updateFn func(ctx context.Context, documentID string, payload store.Payload) error
	appendFn func(ctx context.Context, record store.VersionRecord) (store.VersionRecord, error)

	mu       sync.Mutex
	content  map[string]store.Payload
	versions []store.VersionRecord
}

func newFakeVersions() *fakeVersions {
	return &fakeVersions{content: make(map[string]store.Payload)}
}

func (f *fakeVersions) UpdateDocumentContent(ctx context.Context, documentID string, payload store.Payload) error {
	if f.updateFn != nil {
		if err := f.updateFn(ctx, documentID, payload); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[documentID] = payload
	return nil
}

func (f *fakeVersions) AppendVersion(ctx context.Context, record store.VersionRecord) (store.VersionRecord, error) {
	if f.appendFn != nil {
		return f.appendFn(ctx, record)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	record.ID = int64(len(f.versions) + 1)
	f.versions = append(f.versions, record)
	return record, nil
}

func (f *fakeVersions) records() []store.VersionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.VersionRecord(nil), f.versions...)
}

func (f *fakeVersions) saved(documentID string) (store.Payload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.content[documentID]
	return p, ok
}

// fakeSource is a SnapshotSource over a fixed map.
type fakeSource struct {
	mu      sync.Mutex
	payload map[string]store.Payload
	author  map[string]string
	lost    map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{payload: make(map[string]store.Payload), author: make(map[string]string), lost: make(map[string]bool)}
}

func (f *fakeSource) loseLease(documentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[documentID] = true
}

func (f *fakeSource) Owns(documentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.lost[documentID]
}

func (f *fakeSource) set(documentID, content, author string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload[documentID] = store.Payload{Content: content}
	f.author[documentID] = author
}

func (f *fakeSource) Snapshot(documentID string) (store.Payload, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payload[documentID]
	return p, f.author[documentID], ok
}

type fakeLoader struct {
	getDocumentFn func(ctx context.Context, documentID string) (store.Document, error)
}

func (f *fakeLoader) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return f.getDocumentFn(ctx, documentID)
}

type fakeLeaser struct {
	acquireFn func(ctx context.Context, documentID string) error
	releaseFn func(ctx context.Context, documentID string) error

	mu       sync.Mutex
	released []string
	lost     map[string]bool
}

func (f *fakeLeaser) Holds(documentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.lost[documentID]
}

func (f *fakeLeaser) lose(documentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost == nil {
		f.lost = make(map[string]bool)
	}
	f.lost[documentID] = true
}

func (f *fakeLeaser) Acquire(ctx context.Context, documentID string) error {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, documentID)
	}
	return nil
}

func (f *fakeLeaser) Release(ctx context.Context, documentID string) error {
	if f.releaseFn != nil {
		if err := f.releaseFn(ctx, documentID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, documentID)
	return nil
}

func (f *fakeLeaser) releases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}
