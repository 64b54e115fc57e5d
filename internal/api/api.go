// Package api exposes the notification CRUD surface and the HTTP event intake
// over REST. Live delivery lives in the ws package; this package covers what
// a client does between connections.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kolapsis/beacon/internal/auth"
	"github.com/kolapsis/beacon/internal/notify"
	"github.com/kolapsis/beacon/internal/store"
)

// EventHandler processes one intake event. Satisfied by notify.Service.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev notify.DomainEvent) error
}

// Handler serves the REST API.
type Handler struct {
	store        store.Store
	verifier     auth.Verifier
	events       EventHandler
	intakeSecret string
}

// NewHandler creates the REST handler.
func NewHandler(st store.Store, verifier auth.Verifier, events EventHandler, intakeSecret string) *Handler {
	return &Handler{store: st, verifier: verifier, events: events, intakeSecret: intakeSecret}
}

// Routes mounts the API endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(h.verifier))
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.list)
			r.Get("/unread_count", h.unreadCount)
			r.Post("/read_all", h.readAll)
			r.Put("/{id}/read", h.markRead)
			r.Patch("/{id}", h.update)
			r.Delete("/{id}", h.delete)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(IntakeAuth(h.intakeSecret))
		r.Post("/events", h.intake)
	})

	return r
}

// --- Notification endpoints ---

// notificationJSON is the wire shape of one notification.
type notificationJSON struct {
	ID          string                         `json:"id"`
	BrandID     string                         `json:"brandId"`
	RecipientID string                         `json:"recipientId"`
	Type        string                         `json:"type"`
	Title       string                         `json:"title"`
	Message     string                         `json:"message,omitempty"`
	EntityType  string                         `json:"entityType,omitempty"`
	EntityID    string                         `json:"entityId,omitempty"`
	Priority    string                         `json:"priority"`
	Methods     []string                       `json:"methods"`
	Read        bool                           `json:"read"`
	CreatedAt   time.Time                      `json:"createdAt"`
	ReadAt      *time.Time                     `json:"readAt,omitempty"`
	Delivery    map[string]store.DeliveryState `json:"delivery,omitempty"`
}

func toJSON(n store.Notification) notificationJSON {
	out := notificationJSON{
		ID:          n.ID,
		BrandID:     n.BrandID,
		RecipientID: n.RecipientID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		EntityType:  n.Entity.Type,
		EntityID:    n.Entity.ID,
		Priority:    n.Priority,
		Methods:     n.Methods,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
		Delivery:    n.Delivery,
	}
	if !n.ReadAt.IsZero() {
		readAt := n.ReadAt
		out.ReadAt = &readAt
	}
	return out
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	user := userID(r.Context())
	brand, ok := h.requireBrand(w, r, user)
	if !ok {
		return
	}

	f := store.Filter{
		UnreadOnly: r.URL.Query().Get("unread") == "true",
		Type:       r.URL.Query().Get("type"),
		Cursor:     r.URL.Query().Get("cursor"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}

	page, err := h.store.ListForRecipient(user, brand, f)
	if err != nil {
		h.storeError(w, err)
		return
	}

	items := make([]notificationJSON, 0, len(page.Notifications))
	for _, n := range page.Notifications {
		items = append(items, toJSON(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"nextCursor":    page.NextCursor,
	})
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	user := userID(r.Context())
	brand, ok := h.requireBrand(w, r, user)
	if !ok {
		return
	}

	count, err := h.store.CountUnread(user, brand)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handler) readAll(w http.ResponseWriter, r *http.Request) {
	user := userID(r.Context())
	brand, ok := h.requireBrand(w, r, user)
	if !ok {
		return
	}

	updated, err := h.store.MarkAllRead(user, brand)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.store.MarkRead(chi.URLParam(r, "id"), userID(r.Context())); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := h.store.UpdateNotification(chi.URLParam(r, "id"), userID(r.Context()), body.Title, body.Message); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteNotification(chi.URLParam(r, "id"), userID(r.Context())); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Intake endpoint ---

func (h *Handler) intake(w http.ResponseWriter, r *http.Request) {
	var ev notify.DomainEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.events.HandleEvent(r.Context(), ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Helpers ---

// requireBrand extracts the brand scope from the request and verifies the
// caller's membership. Every recipient-facing endpoint is brand-scoped.
func (h *Handler) requireBrand(w http.ResponseWriter, r *http.Request, user string) (string, bool) {
	brand := r.URL.Query().Get("brand")
	if brand == "" {
		brand = r.Header.Get("X-Brand-ID")
	}
	if brand == "" {
		writeError(w, http.StatusBadRequest, "brand is required")
		return "", false
	}

	member, err := h.store.IsMember(user, brand)
	if err != nil {
		slog.Error("membership check failed", "user_id", user, "brand_id", brand, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return "", false
	}
	if !member {
		writeError(w, http.StatusForbidden, "no brand access")
		return "", false
	}
	return brand, true
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "notification not found")
	case errors.Is(err, store.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, store.ErrAlreadyRead):
		writeError(w, http.StatusConflict, "notification already read")
	case errors.Is(err, store.ErrInvalidRecipient):
		writeError(w, http.StatusUnprocessableEntity, "recipient is not an active brand member")
	default:
		slog.Error("store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
