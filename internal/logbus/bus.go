// Package logbus implements the per-run append-only log stream (spec
// §4.3): live tail plus a bounded history, generalized from the
// teacher's result-streaming subscription model in web/subscription.go
// and the fast-read/locked-write idiom in deduper/hashmap.go.
package logbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level mirrors the wire-format level codes in spec §6.
type Level int

const (
	LevelTrace Level = 10
	LevelDebug Level = 20
	LevelInfo  Level = 30
	LevelWarn  Level = 40
	LevelError Level = 50
	LevelFatal Level = 60
)

// Entry is one log line appended for a run.
type Entry struct {
	Sequence  uint64
	RunID     uuid.UUID
	Timestamp time.Time
	Level     Level
	Source    string
	Msg       string
	Fields    map[string]any
}

const (
	defaultMaxEntries = 10_000
	defaultMaxAge     = 24 * time.Hour
)

// Bus is the process-wide log bus, holding one bounded ring per run.
type Bus struct {
	mu         sync.RWMutex
	runs       map[uuid.UUID]*runLog
	maxEntries int
	maxAge     time.Duration
}

type runLog struct {
	mu           sync.RWMutex
	entries      []Entry
	seq          uint64
	subs         map[int]chan Entry
	nextSubID    int
	lastActivity time.Time
}

// New creates a Bus retaining up to maxEntries per run (or maxAge,
// whichever is reached first). A value of 0 uses the spec defaults.
func New(maxEntries int, maxAge time.Duration) *Bus {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Bus{
		runs:       make(map[uuid.UUID]*runLog),
		maxEntries: maxEntries,
		maxAge:     maxAge,
	}
}

func (b *Bus) runFor(runID uuid.UUID) *runLog {
	b.mu.RLock()
	rl, ok := b.runs[runID]
	b.mu.RUnlock()
	if ok {
		return rl
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if rl, ok = b.runs[runID]; ok {
		return rl
	}
	rl = &runLog{subs: make(map[int]chan Entry)}
	b.runs[runID] = rl
	return rl
}

// Append records an entry for a run, assigning it the next monotonic
// sequence number, and fans it out to every live subscriber.
func (b *Bus) Append(runID uuid.UUID, e Entry) Entry {
	rl := b.runFor(runID)

	rl.mu.Lock()
	rl.seq++
	e.Sequence = rl.seq
	e.RunID = runID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	rl.entries = append(rl.entries, e)
	rl.lastActivity = e.Timestamp
	b.trimLocked(rl)

	// Fan out while still holding rl.mu: cancel() also takes rl.mu
	// before closing a subscriber's channel, so holding the lock here
	// rules out a send racing a close of the same channel.
	for _, ch := range rl.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber: drop rather than block the writer.
		}
	}
	rl.mu.Unlock()

	return e
}

func (b *Bus) trimLocked(rl *runLog) {
	if len(rl.entries) > b.maxEntries {
		rl.entries = rl.entries[len(rl.entries)-b.maxEntries:]
	}
	cutoff := time.Now().UTC().Add(-b.maxAge)
	i := 0
	for i < len(rl.entries) && rl.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		rl.entries = rl.entries[i:]
	}
}

// History returns up to limit of the most recent entries for a run
// (0 means no limit).
func (b *Bus) History(runID uuid.UUID, limit int) []Entry {
	rl := b.runFor(runID)
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entries := rl.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Tail delivers historical entries with sequence > fromSequence, then
// follows live ones, until ctx is cancelled or the returned cancel func
// is called. The channel is closed on either.
func (b *Bus) Tail(ctx context.Context, runID uuid.UUID, fromSequence uint64) (<-chan Entry, func()) {
	rl := b.runFor(runID)

	out := make(chan Entry, 256)

	rl.mu.Lock()
	var backlog []Entry
	for _, e := range rl.entries {
		if e.Sequence > fromSequence {
			backlog = append(backlog, e)
		}
	}
	subID := rl.nextSubID
	rl.nextSubID++
	live := make(chan Entry, 256)
	rl.subs[subID] = live
	rl.mu.Unlock()

	cancel := func() {
		rl.mu.Lock()
		if ch, ok := rl.subs[subID]; ok {
			delete(rl.subs, subID)
			close(ch)
		}
		rl.mu.Unlock()
	}

	go func() {
		defer close(out)
		for _, e := range backlog {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case e, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}

// LastActivity returns the timestamp of the most recent Append for a
// run. The Dispatcher's heartbeat reconciliation does not read it; it
// uses Run.LastHeartbeatAt from the Store.
func (b *Bus) LastActivity(runID uuid.UUID) (time.Time, bool) {
	b.mu.RLock()
	rl, ok := b.runs[runID]
	b.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if rl.lastActivity.IsZero() {
		return time.Time{}, false
	}
	return rl.lastActivity, true
}
