package notify

import (
	"log/slog"
	"net/http"

	"github.com/k1networth/orderflow/internal/shared/httpx"
)

// API exposes the notification history of an order.
type API struct {
	Log   *slog.Logger
	Store Store
}

func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /orders/{id}/notifications", a.ListForOrder)
}

func (a *API) ListForOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	list, err := a.Store.ForOrder(r.Context(), id)
	if err != nil {
		a.Log.Error("notification_list_failed", slog.String("order_id", id), slog.String("err", err.Error()))
		httpx.WriteErrorR(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if list == nil {
		list = []Notification{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"order_id": id, "notifications": list})
}
