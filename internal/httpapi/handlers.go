// internal/httpapi/handlers.go
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"authorinventory/internal/auth"
	"authorinventory/internal/inventory"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	service inventory.Service
	logger  *zap.Logger
}

func NewHandler(service inventory.Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger.Named("http")}
}

type ErrorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Message: message})
}

// fail maps an engine error to a response. Unexpected errors are logged with
// the operation context and reach the caller only as a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error, fields ...zap.Field) {
	var verr *inventory.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, inventory.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	default:
		fields = append(fields,
			zap.String("op", op),
			zap.String("owner", auth.OwnerFromContext(r.Context())),
			zap.String("requestId", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		h.logger.Error("request failed", fields...)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Debug("unauthorized request", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusUnauthorized, "Unauthorized")
}

func decodeBody(r *http.Request, v interface{}) bool {
	if r.Body == nil {
		return false
	}
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func owner(r *http.Request) string { return auth.OwnerFromContext(r.Context()) }

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bookRequest accepts copiesOnHand as an alias of copies.
type bookRequest struct {
	Title        string          `json:"title"`
	Author       string          `json:"author"`
	Format       string          `json:"format"`
	Price        decimal.Decimal `json:"price"`
	Copies       *int64          `json:"copies"`
	CopiesOnHand *int64          `json:"copiesOnHand"`
	Notes        string          `json:"notes"`
	TierNotes    string          `json:"tierNotes"`
}

func (b bookRequest) copies() int64 {
	switch {
	case b.CopiesOnHand != nil:
		return *b.CopiesOnHand
	case b.Copies != nil:
		return *b.Copies
	}
	return 0
}

func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context(), owner(r))
	if err != nil {
		h.fail(w, r, "ListBooks", err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if !decodeBody(r, &req) {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}

	book, merged, err := h.service.CreateBook(r.Context(), owner(r), inventory.CreateBookInput{
		Title:     req.Title,
		Author:    req.Author,
		Format:    req.Format,
		Price:     req.Price,
		Copies:    req.copies(),
		Notes:     req.Notes,
		TierNotes: req.TierNotes,
	})
	if err != nil {
		h.fail(w, r, "CreateBook", err, zap.String("title", req.Title))
		return
	}
	if merged {
		writeJSON(w, http.StatusOK, book)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	book, err := h.service.GetBook(r.Context(), owner(r), id)
	if err != nil {
		h.fail(w, r, "GetBook", err, zap.String("bookId", id))
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req inventory.BookUpdate
	if !decodeBody(r, &req) {
		writeError(w, http.StatusBadRequest, "No valid fields to update")
		return
	}
	book, err := h.service.UpdateBook(r.Context(), owner(r), id, req)
	if err != nil {
		h.fail(w, r, "UpdateBook", err, zap.String("bookId", id))
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.DeleteBook(r.Context(), owner(r), id); err != nil {
		h.fail(w, r, "DeleteBook", err, zap.String("bookId", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddTier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req bookRequest
	if !decodeBody(r, &req) {
		writeError(w, http.StatusBadRequest, "Invalid tier payload")
		return
	}
	book, err := h.service.AddTier(r.Context(), owner(r), id, inventory.TierInput{
		Price:  req.Price,
		Copies: req.copies(),
		Notes:  req.Notes,
	})
	if err != nil {
		h.fail(w, r, "AddTier", err, zap.String("bookId", id))
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req inventory.Adjustment
	if !decodeBody(r, &req) {
		writeError(w, http.StatusBadRequest, "delta must be a non-zero number")
		return
	}
	if req.TierID == "" {
		req.TierID = chi.URLParam(r, "tierId")
	}
	book, err := h.service.AdjustTier(r.Context(), owner(r), id, req)
	if err != nil {
		h.fail(w, r, "AdjustTier", err,
			zap.String("bookId", id),
			zap.String("tierId", req.TierID),
			zap.Int64("delta", req.Delta),
		)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) ListBookSales(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sales, err := h.service.ListBookSales(r.Context(), owner(r), id)
	if err != nil {
		h.fail(w, r, "ListBookSales", err, zap.String("bookId", id))
		return
	}
	writeJSON(w, http.StatusOK, sales)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.ListEvents(r.Context(), owner(r))
	if err != nil {
		h.fail(w, r, "ListEvents", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req inventory.EventInput
	if !decodeBody(r, &req) {
		writeError(w, http.StatusBadRequest, "Invalid event payload")
		return
	}
	event, err := h.service.CreateEvent(r.Context(), owner(r), req)
	if err != nil {
		h.fail(w, r, "CreateEvent", err, zap.String("eventName", req.EventName))
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := h.service.GetEvent(r.Context(), owner(r), id)
	if err != nil {
		h.fail(w, r, "GetEvent", err, zap.String("eventId", id))
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.service.ApplyEvent(r.Context(), owner(r), id)
	if err != nil {
		h.fail(w, r, "ApplyEvent", err, zap.String("eventId", id))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
