package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uplift-tools/deskd/internal/variant"
)

// Kind classifies an activity event.
type Kind string

const (
	KindSit       Kind = "SIT"
	KindStand     Kind = "STAND"
	KindMoveStart Kind = "MOVE_START"
	KindMoveStop  Kind = "MOVE_STOP"
)

// stateChanging reports whether the kind changes the sit/stand posture.
// Posture implied by a state-changing event persists until the next one.
func (k Kind) stateChanging() bool {
	return k == KindSit || k == KindStand
}

// Event is one entry of the append-only activity log. Events are never
// mutated or deleted once appended; ordering is arrival order.
type Event struct {
	ID          string
	Timestamp   time.Time
	Kind        Kind
	HeightHint  uint16
	HeightKnown bool
}

// Store is an optional durable sink for appended events.
type Store interface {
	Append(ctx context.Context, ev Event) error
}

// Observer receives append outcomes, for metrics wiring.
type Observer interface {
	Record(operation, status string)
}

type ObserverFunc func(operation, status string)

func (f ObserverFunc) Record(operation, status string) {
	if f != nil {
		f(operation, status)
	}
}

func NopObserver() Observer {
	return ObserverFunc(func(string, string) {})
}

// DailyStat aggregates one calendar day. Derived on demand from the event
// log, never authoritative on its own.
type DailyStat struct {
	Date             time.Time
	Events           int
	SitTransitions   int
	StandTransitions int
	SitTime          time.Duration
	StandTime        time.Duration
}

// HourlyStat aggregates one hour of a day.
type HourlyStat struct {
	Hour             int
	SitTransitions   int
	StandTransitions int
	SitTime          time.Duration
	StandTime        time.Duration
}

// Tracker maintains the in-memory event log and computes aggregates.
// Appends are serialized behind a single lock so the notification path and
// dispatcher-originated synthetic events may record concurrently.
type Tracker struct {
	mu       sync.Mutex
	events   []Event
	store    Store
	observer Observer
	now      func() time.Time
}

type Option func(*Tracker)

func WithStore(store Store) Option {
	return func(t *Tracker) { t.store = store }
}

func WithObserver(observer Observer) Option {
	return func(t *Tracker) {
		if observer != nil {
			t.observer = observer
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		observer: NopObserver(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Seed preloads events replayed from a durable store. Intended for startup
// only, before any Record call.
func (t *Tracker) Seed(events []Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events[:0], events...)
}

// Record appends an event to the log. Timestamps are clamped so the log
// stays monotonically non-decreasing even if callers race on time.Now.
func (t *Tracker) Record(ctx context.Context, ev Event) {
	t.mu.Lock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	if n := len(t.events); n > 0 && ev.Timestamp.Before(t.events[n-1].Timestamp) {
		ev.Timestamp = t.events[n-1].Timestamp
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	t.events = append(t.events, ev)
	store := t.store
	t.mu.Unlock()

	if store != nil {
		if err := store.Append(ctx, ev); err != nil {
			t.observer.Record("append_store", "error")
			return
		}
	}
	t.observer.Record("append", "ok")
}

// RecordCommand translates a successfully dispatched preset command into a
// synthetic event, keeping tracking usable on variants without telemetry.
func (t *Tracker) RecordCommand(cmd variant.Command, at time.Time) {
	var kind Kind
	switch cmd {
	case variant.CmdSit:
		kind = KindSit
	case variant.CmdStand:
		kind = KindStand
	default:
		return
	}
	t.Record(context.Background(), Event{Timestamp: at, Kind: kind})
}

// Len returns the current log length.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Events returns a copy of the log, oldest first.
func (t *Tracker) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// DailyStats recomputes the aggregate for the calendar day containing date.
func (t *Tracker) DailyStats(date time.Time) DailyStat {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	stat := DailyStat{Date: dayStart}
	t.aggregate(dayStart, dayEnd, func(ev *Event, kind Kind, dwell time.Duration, transition bool) {
		if ev != nil {
			stat.Events++
		}
		switch kind {
		case KindSit:
			stat.SitTime += dwell
			if transition {
				stat.SitTransitions++
			}
		case KindStand:
			stat.StandTime += dwell
			if transition {
				stat.StandTransitions++
			}
		}
	}, nil)
	return stat
}

// HourlyStats recomputes the 24 hourly aggregates for the day containing date.
func (t *Tracker) HourlyStats(date time.Time) []HourlyStat {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	out := make([]HourlyStat, 24)
	for i := range out {
		out[i].Hour = i
	}
	bucket := func(ts time.Time) int { return int(ts.Sub(dayStart) / time.Hour) }

	t.aggregate(dayStart, dayEnd, func(ev *Event, kind Kind, _ time.Duration, transition bool) {
		if ev == nil || !transition {
			return
		}
		h := bucket(ev.Timestamp)
		if h < 0 || h > 23 {
			return
		}
		switch kind {
		case KindSit:
			out[h].SitTransitions++
		case KindStand:
			out[h].StandTransitions++
		}
	}, func(kind Kind, from, to time.Time) {
		// clip each dwell interval to hour buckets
		for h := bucket(from); h <= 23 && h >= 0; h++ {
			bStart := dayStart.Add(time.Duration(h) * time.Hour)
			bEnd := bStart.Add(time.Hour)
			lo, hi := maxTime(from, bStart), minTime(to, bEnd)
			if hi.After(lo) {
				switch kind {
				case KindSit:
					out[h].SitTime += hi.Sub(lo)
				case KindStand:
					out[h].StandTime += hi.Sub(lo)
				}
			}
			if !bEnd.Before(to) {
				break
			}
		}
	})
	return out
}

// aggregate walks the full log once. For every event inside [from, to) it
// calls visit with the event, its kind, zero dwell and whether it is a
// posture transition. Dwell intervals (clipped to [from, to)) are reported
// either through dwellFn when given, or through visit with a nil event.
func (t *Tracker) aggregate(
	from, to time.Time,
	visit func(ev *Event, kind Kind, dwell time.Duration, transition bool),
	dwellFn func(kind Kind, from, to time.Time),
) {
	t.mu.Lock()
	events := make([]Event, len(t.events))
	copy(events, t.events)
	now := t.now()
	t.mu.Unlock()

	emitDwell := func(kind Kind, lo, hi time.Time) {
		lo, hi = maxTime(lo, from), minTime(hi, to)
		if !hi.After(lo) {
			return
		}
		if dwellFn != nil {
			dwellFn(kind, lo, hi)
		} else {
			visit(nil, kind, hi.Sub(lo), false)
		}
	}

	var (
		state Kind
		since time.Time
	)
	for i := range events {
		ev := &events[i]
		if !ev.Kind.stateChanging() {
			if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
				visit(ev, ev.Kind, 0, false)
			}
			continue
		}

		if state != "" {
			emitDwell(state, since, ev.Timestamp)
		}
		transition := state != "" && state != ev.Kind
		if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			visit(ev, ev.Kind, 0, transition)
		}
		// the very first event seeds dwell accounting, no duration yet
		state = ev.Kind
		since = ev.Timestamp
	}

	// open tail: posture persists until now (or the end of the window)
	if state != "" {
		emitDwell(state, since, minTime(now, to))
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
