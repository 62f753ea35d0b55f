package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"gigflow/account"
	"gigflow/bid"
	"gigflow/booking"
	"gigflow/commission"
	"gigflow/escrow"
	"gigflow/market"
	"gigflow/payout"
	"gigflow/performer"
	"gigflow/refund"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type accountService interface {
	Register(ctx context.Context, req account.RegisterRequest) (*account.User, error)
	Login(ctx context.Context, req account.LoginRequest) (account.LoginResult, error)
	VerifyToken(token string) (string, account.Role, error)
	GetUserByID(ctx context.Context, userID string) (*account.User, error)
}

type bookingService interface {
	CreateDirect(ctx context.Context, params booking.CreateDirectParams) (booking.Booking, error)
	Confirm(ctx context.Context, params booking.ConfirmParams) (booking.Booking, error)
	Complete(ctx context.Context, params booking.CompleteParams) (booking.Booking, error)
	Cancel(ctx context.Context, params booking.CancelParams) (booking.Booking, error)
	GetByID(ctx context.Context, id string) (booking.Booking, error)
}

type marketService interface {
	Create(ctx context.Context, params market.CreateParams) (market.Event, error)
	CloseBidding(ctx context.Context, eventID string) (market.Event, error)
	AcceptBid(ctx context.Context, params market.AcceptParams) (market.AcceptResult, error)
	CancelEvent(ctx context.Context, eventID string, reason string) (market.Event, error)
	GetByID(ctx context.Context, eventID string) (market.Event, error)
	List(ctx context.Context, filters market.Filters) ([]market.Event, int, error)
}

type bidService interface {
	Submit(ctx context.Context, params bid.SubmitParams) (bid.Bid, error)
	Withdraw(ctx context.Context, bidID, performerID string) (bid.Bid, error)
	ListForEvent(ctx context.Context, eventID string) ([]bid.Bid, error)
}

type payoutService interface {
	Release(ctx context.Context, params payout.ReleaseParams) (payout.Result, error)
	ReleaseEligible(ctx context.Context, trigger payout.Trigger, actorID string) ([]string, error)
}

type performerService interface {
	GetByID(ctx context.Context, id string) (performer.Profile, error)
	List(ctx context.Context, limit int) ([]performer.Profile, error)
}

type refundService interface {
	GetByBooking(ctx context.Context, bookingID string) (refund.Record, error)
	ListByCustomer(ctx context.Context, customerID string) ([]refund.Record, error)
}

// Server owns the HTTP surface and delegates to the domain services.
type Server struct {
	accounts   accountService
	bookings   bookingService
	markets    marketService
	bids       bidService
	payouts    payoutService
	performers performerService
	refunds    refundService
	validate   *validator.Validate
}

func newServer(accounts accountService, bookings bookingService, markets marketService, bids bidService, payouts payoutService, performers performerService, refunds refundService) *Server {
	return &Server{
		accounts:   accounts,
		bookings:   bookings,
		markets:    markets,
		bids:       bids,
		payouts:    payouts,
		performers: performers,
		refunds:    refunds,
		validate:   validator.New(),
	}
}

// Routes builds the httprouter mux for the full API surface.
func (s *Server) Routes() http.Handler {
	router := httprouter.New()

	router.POST("/api/register", s.handleRegister)
	router.POST("/api/login", s.handleLogin)

	router.GET("/api/performers", s.handlePerformers)
	router.GET("/api/performers/:id", s.handlePerformer)

	router.POST("/api/events", s.requireAuth(s.handleCreateEvent))
	router.GET("/api/events", s.requireAuth(s.handleListEvents))
	router.GET("/api/events/:id", s.requireAuth(s.handleEvent))
	router.POST("/api/events/:id/close", s.requireAuth(s.handleCloseBidding))
	router.POST("/api/events/:id/cancel", s.requireAuth(s.handleCancelEvent))
	router.POST("/api/events/:id/bids", s.requireAuth(s.handleSubmitBid))
	router.GET("/api/events/:id/bids", s.requireAuth(s.handleListBids))
	router.POST("/api/events/:id/accept", s.requireAuth(s.handleAcceptBid))
	router.DELETE("/api/bids/:id", s.requireAuth(s.handleWithdrawBid))

	router.POST("/api/bookings", s.requireAuth(s.handleCreateBooking))
	router.GET("/api/bookings/:id", s.requireAuth(s.handleBooking))
	router.GET("/api/bookings/:id/refund", s.requireAuth(s.handleBookingRefund))
	router.POST("/api/bookings/:id/confirm", s.requireAuth(s.handleConfirmBooking))
	router.POST("/api/bookings/:id/complete", s.requireAuth(s.handleCompleteBooking))
	router.POST("/api/bookings/:id/cancel", s.requireAuth(s.handleCancelBooking))
	router.POST("/api/bookings/:id/release", s.requireAuth(s.requireAdmin(s.handleReleasePayout)))

	router.GET("/api/refunds", s.requireAuth(s.handleMyRefunds))

	router.POST("/api/payouts/release-eligible", s.requireAuth(s.requireAdmin(s.handleReleaseEligible)))

	return router
}

func (s *Server) requireAuth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		userID, role, err := s.accounts.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx), ps)
	}
}

func (s *Server) requireAdmin(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if role, _ := r.Context().Value(ctxKeyRole).(account.Role); role != account.RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin role required"})
			return
		}
		next(w, r, ps)
	}
}

func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func requestRole(r *http.Request) account.Role {
	role, _ := r.Context().Value(ctxKeyRole).(account.Role)
	return role
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode parses and validates a JSON body. An empty body is legal so that
// endpoints with fully optional payloads accept bare POSTs; required-field
// validation still rejects missing values.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid request body")
	}
	return s.validate.Struct(dst)
}

// writeError maps domain errors onto HTTP statuses. Unknown errors become a
// bare 500 so internals never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	var bookingTransition *booking.InvalidTransitionError
	var marketTransition *market.InvalidTransitionError
	var escrowTransition *escrow.IllegalTransitionError
	var unknownTier *commission.UnknownTierError

	switch {
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, market.ErrNotFound),
		errors.Is(err, bid.ErrNotFound),
		errors.Is(err, bid.ErrEventNotFound),
		errors.Is(err, performer.ErrNotFound),
		errors.Is(err, refund.ErrNotFound),
		errors.Is(err, account.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &bookingTransition),
		errors.As(err, &marketTransition),
		errors.As(err, &escrowTransition),
		errors.Is(err, bid.ErrBidWindowClosed),
		errors.Is(err, bid.ErrWithdrawForbidden),
		errors.Is(err, market.ErrInvalidBid),
		errors.Is(err, payout.ErrNotReleasable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, bid.ErrNotEligible):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, account.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, account.ErrDuplicateEmail):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, booking.ErrDepositPctOutOfBounds),
		errors.Is(err, booking.ErrEventNotOver),
		errors.Is(err, account.ErrWeakPassword),
		errors.As(err, &unknownTier):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
