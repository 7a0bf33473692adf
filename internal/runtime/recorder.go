package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/dispatch"
	"github.com/loqalabs/loqa-greeter/internal/eventstore"
	"github.com/loqalabs/loqa-greeter/internal/playback"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

const recorderBuffer = 256

// Publisher sends a JSON message on the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type record struct {
	entry *eventstore.Entry
	event *protocol.PlaybackEvent
}

// Recorder moves pipeline notifications off the caller's goroutine and
// writes them to the timeline store and the bus. When the buffer is full
// records are dropped and counted.
type Recorder struct {
	store       *eventstore.Store
	pub         Publisher
	broadcastID string

	mu      sync.Mutex
	closed  bool
	records chan record
	dropped atomic.Int64

	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewRecorder(store *eventstore.Store, pub Publisher, broadcastID string, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:       store,
		pub:         pub,
		broadcastID: broadcastID,
		records:     make(chan record, recorderBuffer),
		logger:      log.With(slog.String("component", "recorder")),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Close flushes buffered records and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.records)
	r.mu.Unlock()
	r.wg.Wait()
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("recorder dropped records", slog.Int64("dropped", n))
	}
}

func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// ObservePlayback is installed as the playback manager's observer.
func (r *Recorder) ObservePlayback(t playback.Transition) {
	ev := &protocol.PlaybackEvent{
		Kind:      string(t.Kind),
		Label:     t.Item.Label,
		Ref:       t.Item.Ref,
		Outcome:   string(t.Outcome),
		Discarded: t.Discarded,
		Pending:   t.Pending,
		Timestamp: t.At.UTC(),
	}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}

	var kind string
	switch t.Kind {
	case playback.TransitionPlaying:
		kind = eventstore.KindPlaybackStarted
	case playback.TransitionFinished:
		switch t.Outcome {
		case playback.OutcomeEnded:
			kind = eventstore.KindPlaybackFinished
		case playback.OutcomeStopped:
			kind = eventstore.KindPlaybackStopped
		default:
			kind = eventstore.KindPlaybackSkipped
		}
	case playback.TransitionCleared:
		kind = eventstore.KindQueueCleared
	}

	rec := record{event: ev}
	if kind != "" {
		detail, _ := json.Marshal(map[string]any{
			"outcome":   ev.Outcome,
			"error":     ev.Error,
			"discarded": ev.Discarded,
			"pending":   ev.Pending,
		})
		rec.entry = &eventstore.Entry{
			BroadcastID: r.broadcastID,
			Kind:        kind,
			Label:       t.Item.Label,
			Ref:         t.Item.Ref,
			Detail:      detail,
			CreatedAt:   ev.Timestamp,
		}
	}
	r.push(rec)
}

// ObserveGeneration records the outcome of a generation request.
func (r *Recorder) ObserveGeneration(rep dispatch.Report) {
	entry := &eventstore.Entry{
		BroadcastID: r.broadcastID,
		Kind:        eventstore.KindTTSGenerated,
		Label:       rep.Label,
		Ref:         rep.Ref,
		TaskID:      rep.TaskID,
	}
	detail := map[string]any{"latency_ms": rep.Latency.Milliseconds()}
	if rep.Err != nil {
		entry.Kind = eventstore.KindTTSFailed
		entry.Ref = ""
		detail["error"] = rep.Err.Error()
	}
	entry.Detail, _ = json.Marshal(detail)
	r.push(record{entry: entry})
}

// ObserveJoin records an accepted participant event.
func (r *Recorder) ObserveJoin(ev protocol.ParticipantJoined) {
	detail, _ := json.Marshal(map[string]string{"event_id": ev.EventID, "action": ev.Action, "room": ev.Room})
	r.push(record{entry: &eventstore.Entry{
		BroadcastID: r.broadcastID,
		Kind:        eventstore.KindParticipantJoined,
		Label:       ev.Name,
		Detail:      detail,
	}})
}

func (r *Recorder) push(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.records <- rec:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.records {
		if rec.entry != nil && r.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.store.Append(ctx, *rec.entry); err != nil {
				r.logger.Warn("failed to append timeline entry", slog.String("kind", rec.entry.Kind), slogError(err))
			}
			cancel()
		}
		if rec.event != nil && r.pub != nil {
			if err := r.pub.PublishJSON(protocol.SubjectPlaybackEvent, rec.event); err != nil {
				r.logger.Warn("failed to publish playback event", slogError(err))
			}
		}
	}
}
