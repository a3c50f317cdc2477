// Package admin serves the operator endpoints: consumer group state, pending
// entries, and inspection and replay of dead-lettered events.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/k1networth/orderflow/internal/shared/events"
	"github.com/k1networth/orderflow/internal/shared/httpx"
	"github.com/k1networth/orderflow/internal/stream"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

type Handler struct {
	Log     *slog.Logger
	Backend stream.Backend
	// Streams whose consumer groups are reported. The first one is the
	// default for per-group queries.
	Streams          []string
	DeadLetterStream string
	// Publisher re-appends replayed envelopes.
	Publisher *stream.Publisher
}

func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/groups", h.ListGroups)
	mux.HandleFunc("GET /admin/groups/{group}/pending", h.ListPending)
	mux.HandleFunc("GET /admin/dead-letters", h.ListDeadLetters)
	mux.HandleFunc("POST /admin/dead-letters/{position}/replay", h.Replay)
}

func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	out := []stream.GroupInfo{}
	for _, s := range h.Streams {
		groups, err := h.Backend.Groups(r.Context(), s)
		if err != nil {
			h.internalError(w, r, "admin_groups_failed", err)
			return
		}
		out = append(out, groups...)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"groups": out})
}

type pendingView struct {
	Position   string `json:"position"`
	Consumer   string `json:"consumer"`
	IdleMillis int64  `json:"idle_ms"`
	Deliveries int64  `json:"deliveries"`
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	group := r.PathValue("group")
	name := r.URL.Query().Get("stream")
	if name == "" && len(h.Streams) > 0 {
		name = h.Streams[0]
	}

	groups, err := h.Backend.Groups(r.Context(), name)
	if err != nil {
		h.internalError(w, r, "admin_pending_failed", err)
		return
	}
	if !hasGroup(groups, group) {
		httpx.WriteErrorR(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("group %q not found on stream %q", group, name))
		return
	}

	pending, err := h.Backend.Pending(r.Context(), name, group, limit)
	if err != nil {
		h.internalError(w, r, "admin_pending_failed", err)
		return
	}
	out := make([]pendingView, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingView{
			Position:   p.Position,
			Consumer:   p.Consumer,
			IdleMillis: p.Idle.Milliseconds(),
			Deliveries: p.Deliveries,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"stream": name, "group": group, "pending": out})
}

type deadLetterView struct {
	Position string                  `json:"position"`
	EventID  string                  `json:"event_id"`
	Failure  events.ProcessingFailed `json:"failure"`
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.Backend.Range(r.Context(), h.DeadLetterStream, r.URL.Query().Get("after"), limit)
	if err != nil {
		h.internalError(w, r, "admin_dead_letters_failed", err)
		return
	}

	out := make([]deadLetterView, 0, len(entries))
	for _, e := range entries {
		env, pf, err := decodeDeadLetter(e)
		if err != nil {
			h.Log.Warn("admin_dead_letter_unreadable", slog.String("position", e.Position), slog.String("err", err.Error()))
			continue
		}
		out = append(out, deadLetterView{Position: e.Position, EventID: env.EventID, Failure: pf})
	}

	resp := map[string]any{"dead_letters": out}
	if len(entries) == limit {
		resp["next_after"] = entries[len(entries)-1].Position
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type replayView struct {
	EventID  string `json:"event_id"`
	Stream   string `json:"stream"`
	Position string `json:"position"`
}

// Replay appends the original envelope of a dead letter to its source stream
// with its original event id, so handlers that already applied it skip it.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	pos := r.PathValue("position")
	entry, err := h.Backend.Get(r.Context(), h.DeadLetterStream, pos)
	if err != nil {
		if errors.Is(err, stream.ErrEntryNotFound) {
			httpx.WriteErrorR(w, r, http.StatusNotFound, "not_found", "dead letter not found")
			return
		}
		h.internalError(w, r, "admin_replay_failed", err)
		return
	}

	_, pf, err := decodeDeadLetter(entry)
	if err != nil {
		httpx.WriteErrorR(w, r, http.StatusUnprocessableEntity, "not_replayable", err.Error())
		return
	}
	if len(pf.OriginalEnvelope) == 0 || pf.Stream == "" {
		httpx.WriteErrorR(w, r, http.StatusUnprocessableEntity, "not_replayable", "original envelope was not decodable")
		return
	}
	var original events.Envelope
	if err := json.Unmarshal(pf.OriginalEnvelope, &original); err != nil || original.EventID == "" || original.EventType == "" {
		httpx.WriteErrorR(w, r, http.StatusUnprocessableEntity, "not_replayable", "original envelope is invalid")
		return
	}

	published, err := h.Publisher.PublishEnvelope(r.Context(), pf.Stream, original)
	if err != nil {
		if errors.Is(err, stream.ErrPublishUnavailable) {
			httpx.WriteErrorR(w, r, http.StatusServiceUnavailable, "stream_unavailable", "stream unavailable")
			return
		}
		h.internalError(w, r, "admin_replay_failed", err)
		return
	}

	h.Log.Info("dead_letter_replayed",
		slog.String("dead_letter_position", pos),
		slog.String("event_id", original.EventID),
		slog.String("event_type", original.EventType),
		slog.String("stream", pf.Stream),
		slog.String("position", published.Position),
	)
	httpx.WriteJSON(w, http.StatusAccepted, replayView{EventID: published.EventID, Stream: pf.Stream, Position: published.Position})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.Log.Error(msg, slog.String("err", err.Error()))
	httpx.WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

func decodeDeadLetter(e stream.Entry) (events.Envelope, events.ProcessingFailed, error) {
	env, err := events.Decode(e.Fields)
	if err != nil {
		return events.Envelope{}, events.ProcessingFailed{}, err
	}
	if env.EventType != events.TypeProcessingFailed {
		return events.Envelope{}, events.ProcessingFailed{}, fmt.Errorf("entry %s is a %s, not a dead letter", e.Position, env.EventType)
	}
	pf, err := events.DecodePayload[events.ProcessingFailed](env)
	if err != nil {
		return events.Envelope{}, events.ProcessingFailed{}, err
	}
	return env, pf, nil
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		httpx.WriteErrorR(w, r, http.StatusBadRequest, "validation_error", fmt.Sprintf("limit must be between 1 and %d", maxLimit))
		return 0, false
	}
	return n, true
}

func hasGroup(groups []stream.GroupInfo, name string) bool {
	for _, g := range groups {
		if g.Name == name {
			return true
		}
	}
	return false
}
