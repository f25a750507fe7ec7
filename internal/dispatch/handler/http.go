package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/dispatch/domain"
	"github.com/example/ridedispatch/internal/dispatch/service"
)

// HTTP exposes the dispatch endpoints.
type HTTP struct {
	svc *service.Service
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Post("/v1/drivers", h.registerDriver)
	r.Get("/v1/drivers/{driverID}", h.getDriver)
	r.Put("/v1/drivers/{driverID}/location", h.updateDriverLocation)
	r.Get("/v1/drivers/{driverID}/bookings", h.driverBookings)
	r.Post("/v1/drivers/{driverID}/bookings/{bookingID}/accept", h.acceptBooking)
	r.Post("/v1/bookings", h.createBooking)
	r.Get("/v1/bookings/{bookingID}", h.getBooking)
	return r
}

type registerDriverRequest struct {
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Phone    string         `json:"phone"`
	Location map[string]any `json:"location"`
}

func (h *HTTP) registerDriver(w http.ResponseWriter, r *http.Request) {
	var payload registerDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	driver, err := h.svc.RegisterDriver(r.Context(), service.RegisterDriverRequest{
		Name:     payload.Name,
		Email:    payload.Email,
		Phone:    payload.Phone,
		Location: payload.Location,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, driver)
}

func (h *HTTP) getDriver(w http.ResponseWriter, r *http.Request) {
	driverID, ok := parseID(w, r, "driverID")
	if !ok {
		return
	}
	driver, err := h.svc.GetDriver(r.Context(), driverID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, driver)
}

func (h *HTTP) updateDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := parseID(w, r, "driverID")
	if !ok {
		return
	}
	var location map[string]any
	if err := json.NewDecoder(r.Body).Decode(&location); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	driver, err := h.svc.UpdateDriverLocation(r.Context(), driverID, location)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, driver)
}

func (h *HTTP) driverBookings(w http.ResponseWriter, r *http.Request) {
	driverID, ok := parseID(w, r, "driverID")
	if !ok {
		return
	}
	bookings, err := h.svc.BookingsForDriver(r.Context(), driverID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (h *HTTP) acceptBooking(w http.ResponseWriter, r *http.Request) {
	driverID, ok := parseID(w, r, "driverID")
	if !ok {
		return
	}
	bookingID, ok := parseID(w, r, "bookingID")
	if !ok {
		return
	}
	booking, err := h.svc.AcceptBooking(r.Context(), driverID, bookingID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

type createBookingRequest struct {
	UserID   string         `json:"user_id"`
	Location map[string]any `json:"location"`
}

func (h *HTTP) createBooking(w http.ResponseWriter, r *http.Request) {
	var payload createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid user_id")
		return
	}
	booking, err := h.svc.CreateBooking(r.Context(), service.CreateBookingRequest{
		UserID:   userID,
		Location: payload.Location,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := parseID(w, r, "bookingID")
	if !ok {
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), bookingID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeDomainError maps the error taxonomy onto the HTTP contract: 404 for
// missing records, 409 with a distinct machine-readable code for each
// conflict flavor so a client can tell "booking taken" from "driver busy",
// and 500 for store failures (safe to retry, nothing was committed).
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrDriverBusy):
		writeError(w, http.StatusConflict, "driver_busy", err.Error())
	case errors.Is(err, domain.ErrBookingTaken):
		writeError(w, http.StatusConflict, "booking_taken", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+param)
		return uuid.UUID{}, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
