package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-greeter/internal/console"
	"github.com/loqalabs/loqa-greeter/internal/eventstore"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

const maxBodyBytes = 64 << 10

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("POST /v1/events", r.handleEvent)
	mux.HandleFunc("GET /v1/playback", r.handlePlayback)
	mux.HandleFunc("POST /v1/control/{op}", r.handleControl)
	mux.HandleFunc("GET /v1/timeline", r.handleTimeline)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleEvent accepts a participant event over HTTP and publishes it on the
// bus, where the source applies the same rules as for any other producer.
func (r *Runtime) handleEvent(w http.ResponseWriter, req *http.Request) {
	var ev protocol.ParticipantJoined
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	ev.Name = strings.TrimSpace(ev.Name)
	if ev.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(ev.EventID) == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := r.publishJoin(ev); err != nil {
		r.logger.Warn("failed to publish participant event", slogError(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": ev.EventID})
}

func (r *Runtime) handlePlayback(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, console.StatusMessage(r.manager.Status()))
}

func (r *Runtime) handleControl(w http.ResponseWriter, req *http.Request) {
	op := req.PathValue("op")
	var creq protocol.ControlRequest
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &creq); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}

	reply, err := r.console.Execute(req.Context(), op, creq)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, console.ErrUnknownOp) {
			status = http.StatusNotFound
		}
		r.logger.Warn("console operation failed", slog.String("op", op), slogError(err))
		reply.Error = err.Error()
		writeJSON(w, status, reply)
		return
	}
	reply.OK = true
	writeJSON(w, http.StatusOK, reply)
}

type timelineEntry struct {
	Kind      string          `json:"kind"`
	Label     string          `json:"label,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type timelineResponse struct {
	BroadcastID string          `json:"broadcast_id"`
	Summary     map[string]int  `json:"summary"`
	Entries     []timelineEntry `json:"entries"`
}

func (r *Runtime) handleTimeline(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	id := req.URL.Query().Get("broadcast")
	if id == "" {
		id = r.broadcastID
	}

	entries, err := r.store.List(req.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary, err := r.store.Summary(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := timelineResponse{BroadcastID: id, Summary: summary, Entries: make([]timelineEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toTimelineEntry(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toTimelineEntry(e eventstore.Entry) timelineEntry {
	out := timelineEntry{
		Kind:      e.Kind,
		Label:     e.Label,
		Ref:       e.Ref,
		TaskID:    e.TaskID,
		CreatedAt: e.CreatedAt,
	}
	if json.Valid(e.Detail) {
		out.Detail = json.RawMessage(e.Detail)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
