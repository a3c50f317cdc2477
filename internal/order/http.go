package order

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/k1networth/orderflow/internal/shared/httpx"
)

// Handler serves the read side of the order aggregate.
type Handler struct {
	Log   *slog.Logger
	Store Store
}

func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /orders/{id}", h.GetOrder)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		httpx.WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	o, err := h.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.WriteErrorR(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		h.Log.Error("order_get_failed", slog.String("order_id", id), slog.String("err", err.Error()))
		httpx.WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, o)
}
