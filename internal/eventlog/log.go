// Package eventlog implements the per-run append-only event log and its live
// subscriptions.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
)

var (
	// ErrClosed is returned when appending after run.end.
	ErrClosed = errors.New("event log closed")
	// ErrTooManySubscribers is returned when a run already has the maximum
	// number of open streams.
	ErrTooManySubscribers = errors.New("too many subscribers")
)

// Persister stores appended events durably.
type Persister interface {
	CreateEvent(ctx context.Context, event *domain.Event) error
}

// Option configures a Log.
type Option func(*Log)

// WithPersister makes Append write every event through p before publishing it.
func WithPersister(p Persister) Option {
	return func(l *Log) { l.persister = p }
}

// WithBufferSize sets the per-subscription channel capacity.
func WithBufferSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithMaxSubscribers caps concurrently open subscriptions.
func WithMaxSubscribers(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxSubscribers = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is the append-only event log of a single run. Only the run's execution
// task appends; any number of readers (up to the cap) may subscribe.
type Log struct {
	runID          string
	orders         *Counter
	persister      Persister
	bufferSize     int
	maxSubscribers int
	now            func() time.Time

	mu        sync.Mutex
	events    []domain.Event
	closed    bool
	delivered bool
	subs      map[*Subscription]struct{}
	done      chan struct{}
}

// New creates an empty log for runID drawing display orders from orders.
func New(runID string, orders *Counter, opts ...Option) *Log {
	l := &Log{
		runID:          runID,
		orders:         orders,
		bufferSize:     256,
		maxSubscribers: 4,
		now:            func() time.Time { return time.Now().UTC() },
		subs:           make(map[*Subscription]struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunID returns the run the log belongs to.
func (l *Log) RunID() string { return l.runID }

// Append assigns identity and ordering keys to content, persists it and
// publishes it to subscribers. Appending run.end closes the log, even when
// persisting it fails.
func (l *Log) Append(ctx context.Context, content domain.Content) (domain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return domain.Event{}, ErrClosed
	}

	ev := domain.Event{
		EventID:      uuid.New().String(),
		RunID:        l.runID,
		Sequence:     int64(len(l.events)) + 1,
		DisplayOrder: l.orders.Next(),
		Type:         content.EventType(),
		Subtype:      content.EventSubtype(),
		Content:      content,
		Timestamp:    l.now(),
	}
	ev.Metadata = domain.EventMetadata{
		EventID:      ev.EventID,
		Sequence:     ev.Sequence,
		DisplayOrder: ev.DisplayOrder,
		RunID:        ev.RunID,
	}

	// A run.end that fails to persist is still published so that readers
	// terminate; the error is returned alongside the event.
	var persistErr error
	if l.persister != nil {
		if err := l.persister.CreateEvent(ctx, &ev); err != nil {
			persistErr = fmt.Errorf("persist event %d: %w", ev.Sequence, err)
			if !isTerminal(ev) {
				return domain.Event{}, persistErr
			}
		}
	}

	l.events = append(l.events, ev)
	for sub := range l.subs {
		if sub.lagging {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Reader falls back to the stored slice until it catches up.
			sub.lagging = true
		}
	}

	if isTerminal(ev) {
		l.closed = true
		close(l.done)
	}
	return ev, persistErr
}

// Events returns a snapshot of all appended events.
func (l *Log) Events() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out
}

// LastSequence returns the sequence of the latest event, 0 if empty.
func (l *Log) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.events))
}

// Closed reports whether run.end has been appended.
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed once run.end has been appended.
func (l *Log) Done() <-chan struct{} { return l.done }

// Delivered reports whether some subscriber has read run.end.
func (l *Log) Delivered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered
}

// Replay returns a static reader over the events appended so far. It does
// not take a subscriber slot. Reading run.end marks the log delivered.
func (l *Log) Replay() *Replay {
	r := NewReplay(l.Events())
	r.onEnd = l.markDelivered
	return r
}

// Subscribe opens a reader that replays the log from the first event and
// then follows live appends.
func (l *Log) Subscribe() (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.subs) >= l.maxSubscribers {
		return nil, ErrTooManySubscribers
	}
	sub := &Subscription{
		log:     l,
		ch:      make(chan domain.Event, l.bufferSize),
		lagging: true,
		closed:  make(chan struct{}),
	}
	l.subs[sub] = struct{}{}
	return sub, nil
}

func (l *Log) unsubscribe(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, sub)
}

func (l *Log) markDelivered() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered = true
}

func isTerminal(ev domain.Event) bool {
	return ev.Type == domain.EventTypeRun && ev.Subtype == domain.SubtypeEnd
}

// Reader yields events in sequence order and returns io.EOF after run.end.
type Reader interface {
	Next(ctx context.Context) (domain.Event, error)
	Close()
}

// Subscription is a live Reader over a Log.
type Subscription struct {
	log *Log
	ch  chan domain.Event

	// lagging is guarded by log.mu. While set, Append skips the channel and
	// the reader pulls from the stored slice instead.
	lagging bool

	lastSeq   int64
	finished  bool
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Reader = (*Subscription)(nil)

// Next blocks until the next event is available, ctx is done, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (domain.Event, error) {
	for {
		if s.finished {
			return domain.Event{}, io.EOF
		}

		select {
		case ev := <-s.ch:
			if ev.Sequence <= s.lastSeq {
				continue
			}
			return s.deliver(ev), nil
		default:
		}

		l := s.log
		l.mu.Lock()
		if s.lagging {
			if int(s.lastSeq) < len(l.events) {
				ev := l.events[s.lastSeq]
				l.mu.Unlock()
				return s.deliver(ev), nil
			}
			s.lagging = false
		}
		l.mu.Unlock()

		select {
		case ev := <-s.ch:
			if ev.Sequence <= s.lastSeq {
				continue
			}
			return s.deliver(ev), nil
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case <-s.closed:
			return domain.Event{}, io.ErrClosedPipe
		}
	}
}

func (s *Subscription) deliver(ev domain.Event) domain.Event {
	s.lastSeq = ev.Sequence
	if isTerminal(ev) {
		s.finished = true
		s.log.markDelivered()
	}
	return ev
}

// Close releases the subscription slot.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.log.unsubscribe(s)
	})
}

// Replay is a static Reader over stored events, used once a run's live log
// is gone.
type Replay struct {
	events []domain.Event
	pos    int
	onEnd  func()
}

var _ Reader = (*Replay)(nil)

// NewReplay returns a Reader over events, which must be in sequence order
// and end with run.end.
func NewReplay(events []domain.Event) *Replay {
	return &Replay{events: events}
}

func (r *Replay) Next(ctx context.Context) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	if r.pos >= len(r.events) {
		return domain.Event{}, io.EOF
	}
	ev := r.events[r.pos]
	r.pos++
	if isTerminal(ev) {
		r.pos = len(r.events)
		if r.onEnd != nil {
			r.onEnd()
		}
	}
	return ev, nil
}

func (r *Replay) Close() {}
