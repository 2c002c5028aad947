// Package stream turns ledger appends into an ordered event feed with
// resume support. Every append maps 1:1 to an event; subscribers that fall
// too far behind are dropped and expected to resume by sequence number.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
)

// DefaultMaxResumeGap is the largest seq gap served by event replay before
// resume falls back to a full snapshot.
const DefaultMaxResumeGap = 1000

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 256

// Hub fans ledger appends out to run-scoped subscribers. It implements
// ledger.Observer, so wiring is one Observe call.
type Hub struct {
	ledger       ledger.Ledger
	logger       *slog.Logger
	maxResumeGap uint64

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func NewHub(l ledger.Ledger, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		ledger:       l,
		logger:       logger,
		maxResumeGap: DefaultMaxResumeGap,
		subs:         make(map[string]map[*Subscriber]struct{}),
	}
}

// WithMaxResumeGap overrides the replay-vs-snapshot threshold.
func (h *Hub) WithMaxResumeGap(gap uint64) *Hub {
	h.maxResumeGap = gap
	return h
}

// Subscriber receives one run's events in sequence order.
type Subscriber struct {
	runID   string
	ch      chan contracts.Event
	hub     *Hub
	once    sync.Once
	dropped atomic.Bool
}

// Events is the receive side. The channel closes when the subscriber is
// dropped or closed.
func (s *Subscriber) Events() <-chan contracts.Event { return s.ch }

// Dropped reports whether the hub detached the subscriber for falling
// behind. After the event channel closes, false means the owner closed it.
func (s *Subscriber) Dropped() bool { return s.dropped.Load() }

// Close detaches the subscriber.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Subscribe attaches a buffered subscriber to a run's event feed. Events
// appended after the call are delivered; older ones come from Resume.
func (h *Hub) Subscribe(runID string) *Subscriber {
	s := &Subscriber{
		runID: runID,
		ch:    make(chan contracts.Event, DefaultSubscriberBuffer),
		hub:   h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[runID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[s.runID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.runID)
		}
	}
	h.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

// EntryAppended implements ledger.Observer. A subscriber whose buffer is
// full is dropped rather than allowed to stall the append path; it can
// resume by seq.
func (h *Hub) EntryAppended(entry contracts.ContextEntry) {
	event := EventFromEntry(entry)

	h.mu.RLock()
	set := h.subs[entry.RunID]
	var dropped []*Subscriber
	for s := range set {
		select {
		case s.ch <- event:
		default:
			dropped = append(dropped, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range dropped {
		h.logger.Warn("dropping slow event subscriber", "run_id", entry.RunID, "seq", event.Seq)
		s.dropped.Store(true)
		h.unsubscribe(s)
	}
}

// Resume returns the events a client missed since lastSeq, or a full
// snapshot when the gap exceeds the replay threshold. Exactly one of the
// two return values is non-nil on success.
func (h *Hub) Resume(ctx context.Context, runID string, lastSeq uint64) ([]contracts.Event, *ledger.Snapshot, error) {
	head, _, err := h.ledger.Head(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if head <= lastSeq {
		return nil, nil, nil
	}
	if head-lastSeq > h.maxResumeGap {
		snap, err := h.ledger.Snapshot(ctx, runID)
		if err != nil {
			return nil, nil, err
		}
		return nil, snap, nil
	}
	entries, err := h.ledger.ReadRange(ctx, runID, lastSeq+1, head)
	if err != nil {
		return nil, nil, err
	}
	events := make([]contracts.Event, len(entries))
	for i, e := range entries {
		events[i] = EventFromEntry(e)
	}
	return events, nil, nil
}

// EventFromEntry maps a ledger entry to its wire event. Decision entries
// carrying a run state transition surface as status events.
func EventFromEntry(entry contracts.ContextEntry) contracts.Event {
	eventType := contracts.EventType(entry.EntryType)
	if entry.EntryType == contracts.EntryDecision {
		if _, ok := entry.Payload["state"]; ok {
			eventType = contracts.EventStatus
		}
	}
	return contracts.Event{
		JobID:          entry.RunID,
		StreamID:       "run:" + entry.RunID,
		Seq:            entry.Sequence,
		ContextVersion: entry.ContentHash,
		CorrelationID:  entry.CorrelationID,
		TraceID:        entry.EntryID,
		EventType:      eventType,
		Timestamp:      entry.Timestamp,
		Payload: map[string]any{
			"entry_type": string(entry.EntryType),
			"actor":      map[string]any{"type": string(entry.Actor.Type), "id": entry.Actor.ID},
			"truth_id":   entry.TruthID,
			"key":        entry.Key,
			"fact_id":    entry.FactID,
			"payload":    entry.Payload,
		},
	}
}
