package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"gigflow/account"
	"gigflow/bid"
	"gigflow/booking"
	"gigflow/commission"
	"gigflow/market"
	"gigflow/payout"
	"gigflow/performer"
	"gigflow/refund"

	"github.com/julienschmidt/httprouter"
)

type userResponse struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	FullName  string  `json:"fullName"`
	Role      string  `json:"role"`
	Tier      string  `json:"tier"`
	Rating    float64 `json:"rating"`
	CreatedAt string  `json:"createdAt"`
}

type performerResponse struct {
	ID        string  `json:"id"`
	FullName  string  `json:"fullName"`
	Tier      string  `json:"tier"`
	Rating    float64 `json:"rating"`
	CreatedAt string  `json:"createdAt"`
}

type eventResponse struct {
	ID             string  `json:"id"`
	CustomerID     string  `json:"customerId"`
	Category       string  `json:"category"`
	BudgetMinCents int64   `json:"budgetMinCents"`
	BudgetMaxCents int64   `json:"budgetMaxCents"`
	EventAt        string  `json:"eventAt"`
	Location       string  `json:"location"`
	BidDeadline    string  `json:"bidDeadline"`
	Status         string  `json:"status"`
	CancelReason   *string `json:"cancelReason,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

type bidResponse struct {
	ID          string  `json:"id"`
	EventID     string  `json:"eventId"`
	PerformerID string  `json:"performerId"`
	AmountCents int64   `json:"amountCents"`
	Message     string  `json:"message,omitempty"`
	Status      string  `json:"status"`
	BookingID   *string `json:"bookingId,omitempty"`
	SubmittedAt string  `json:"submittedAt"`
}

type bookingResponse struct {
	ID              string  `json:"id"`
	PerformerID     string  `json:"performerId"`
	CustomerID      string  `json:"customerId"`
	OriginBidID     *string `json:"originBidId,omitempty"`
	EventAt         string  `json:"eventAt"`
	DurationMinutes int     `json:"durationMinutes"`
	TotalCents      int64   `json:"totalCents"`
	DepositPct      int     `json:"depositPct"`
	DepositCents    int64   `json:"depositCents"`
	CommissionCents int64   `json:"commissionCents"`
	PayoutCents     int64   `json:"payoutCents"`
	HeldCents       int64   `json:"heldCents"`
	Status          string  `json:"status"`
	Escrow          string  `json:"escrow"`
	CancelReason    *string `json:"cancelReason,omitempty"`
	CreatedAt       string  `json:"createdAt"`
}

type refundResponse struct {
	ID          string `json:"id"`
	BookingID   string `json:"bookingId"`
	AmountCents int64  `json:"amountCents"`
	Reason      string `json:"reason,omitempty"`
	IssuedAt    string `json:"issuedAt"`
}

type releaseResponse struct {
	BookingID   string `json:"bookingId"`
	PayoutCents int64  `json:"payoutCents"`
	Trigger     string `json:"trigger"`
	ReleasedAt  string `json:"releasedAt"`
}

func toUserResponse(u *account.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		Tier:      string(u.Tier),
		Rating:    u.Rating,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func toPerformerResponse(p performer.Profile) performerResponse {
	return performerResponse{
		ID:        p.ID,
		FullName:  p.FullName,
		Tier:      string(p.Tier),
		Rating:    p.Rating,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func toEventResponse(e market.Event) eventResponse {
	return eventResponse{
		ID:             e.ID,
		CustomerID:     e.CustomerID,
		Category:       e.Category,
		BudgetMinCents: e.BudgetMinCents,
		BudgetMaxCents: e.BudgetMaxCents,
		EventAt:        e.EventAt.Format(time.RFC3339),
		Location:       e.Location,
		BidDeadline:    e.BidDeadline.Format(time.RFC3339),
		Status:         string(e.Status),
		CancelReason:   e.CancelReason,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

func toBidResponse(b bid.Bid) bidResponse {
	return bidResponse{
		ID:          b.ID,
		EventID:     b.EventID,
		PerformerID: b.PerformerID,
		AmountCents: b.AmountCents,
		Message:     b.Message,
		Status:      string(b.Status),
		BookingID:   b.BookingID,
		SubmittedAt: b.SubmittedAt.Format(time.RFC3339),
	}
}

func toBookingResponse(b booking.Booking) bookingResponse {
	return bookingResponse{
		ID:              b.ID,
		PerformerID:     b.PerformerID,
		CustomerID:      b.CustomerID,
		OriginBidID:     b.OriginBidID,
		EventAt:         b.EventAt.Format(time.RFC3339),
		DurationMinutes: b.DurationMinutes,
		TotalCents:      b.TotalCents,
		DepositPct:      b.DepositPct,
		DepositCents:    b.DepositCents,
		CommissionCents: b.CommissionCents,
		PayoutCents:     b.PayoutCents,
		HeldCents:       b.HeldCents,
		Status:          string(b.Status),
		Escrow:          string(b.Escrow),
		CancelReason:    b.CancelReason,
		CreatedAt:       b.CreatedAt.Format(time.RFC3339),
	}
}

func toRefundResponse(rec refund.Record) refundResponse {
	return refundResponse{
		ID:          rec.ID,
		BookingID:   rec.BookingID,
		AmountCents: rec.AmountCents,
		Reason:      rec.Reason,
		IssuedAt:    rec.IssuedAt.Format(time.RFC3339),
	}
}

func toReleaseResponse(res payout.Result) releaseResponse {
	return releaseResponse{
		BookingID:   res.BookingID,
		PayoutCents: res.PayoutCents,
		Trigger:     string(res.Trigger),
		ReleasedAt:  res.ReleasedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
		FullName string `json:"fullName" validate:"required"`
		Role     string `json:"role" validate:"omitempty,oneof=customer performer"`
		Tier     string `json:"tier" validate:"omitempty,oneof=free pro"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	user, err := s.accounts.Register(r.Context(), account.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Role:     account.Role(req.Role),
		Tier:     commission.Tier(req.Tier),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	result, err := s.accounts.Login(r.Context(), account.LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}{Token: result.Token, User: toUserResponse(&result.User)})
}

func (s *Server) handlePerformers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	profiles, err := s.performers.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]performerResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toPerformerResponse(p))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []performerResponse `json:"items"`
		Total int                 `json:"total"`
	}{Items: items, Total: len(items)})
}

func (s *Server) handlePerformer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	profile, err := s.performers.GetByID(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPerformerResponse(profile))
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if requestRole(r) != account.RoleCustomer {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "only customers can post events"})
		return
	}

	var req struct {
		Category       string    `json:"category" validate:"required"`
		BudgetMinCents int64     `json:"budgetMinCents" validate:"required,gt=0"`
		BudgetMaxCents int64     `json:"budgetMaxCents" validate:"required,gtefield=BudgetMinCents"`
		EventAt        time.Time `json:"eventAt" validate:"required"`
		Location       string    `json:"location"`
		BidDeadline    time.Time `json:"bidDeadline" validate:"required"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	event, err := s.markets.Create(r.Context(), market.CreateParams{
		CustomerID:     requestUserID(r),
		Category:       req.Category,
		BudgetMinCents: req.BudgetMinCents,
		BudgetMaxCents: req.BudgetMaxCents,
		EventAt:        req.EventAt,
		Location:       req.Location,
		BidDeadline:    req.BidDeadline,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(event))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("pageSize"))

	filters := market.Filters{
		Status:   market.Status(query.Get("status")),
		Category: query.Get("category"),
		Page:     page,
		PageSize: pageSize,
	}
	if requestRole(r) == account.RoleCustomer {
		filters.CustomerID = requestUserID(r)
	}

	events, total, err := s.markets.List(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []eventResponse `json:"items"`
		Total int             `json:"total"`
	}{Items: items, Total: total})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	event, err := s.markets.GetByID(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(event))
}

// ownerOrAdmin guards event mutations: only the posting customer or an
// admin may close, cancel, or accept.
func (s *Server) ownerOrAdmin(w http.ResponseWriter, r *http.Request, eventID string) bool {
	if requestRole(r) == account.RoleAdmin {
		return true
	}
	event, err := s.markets.GetByID(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if event.CustomerID != requestUserID(r) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "not the event owner"})
		return false
	}
	return true
}

func (s *Server) handleCloseBidding(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	eventID := ps.ByName("id")
	if !s.ownerOrAdmin(w, r, eventID) {
		return
	}

	event, err := s.markets.CloseBidding(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(event))
}

func (s *Server) handleCancelEvent(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	eventID := ps.ByName("id")
	if !s.ownerOrAdmin(w, r, eventID) {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	event, err := s.markets.CancelEvent(r.Context(), eventID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(event))
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if requestRole(r) != account.RolePerformer {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "only performers can bid"})
		return
	}

	var req struct {
		AmountCents int64  `json:"amountCents" validate:"required,gt=0"`
		Message     string `json:"message"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	placed, err := s.bids.Submit(r.Context(), bid.SubmitParams{
		EventID:     ps.ByName("id"),
		PerformerID: requestUserID(r),
		AmountCents: req.AmountCents,
		Message:     req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBidResponse(placed))
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	eventID := ps.ByName("id")
	if !s.ownerOrAdmin(w, r, eventID) {
		return
	}

	listed, err := s.bids.ListForEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]bidResponse, 0, len(listed))
	for _, b := range listed {
		items = append(items, toBidResponse(b))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []bidResponse `json:"items"`
	}{Items: items})
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	withdrawn, err := s.bids.Withdraw(r.Context(), ps.ByName("id"), requestUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(withdrawn))
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	eventID := ps.ByName("id")
	if !s.ownerOrAdmin(w, r, eventID) {
		return
	}

	var req struct {
		BidID string `json:"bidId" validate:"required"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	result, err := s.markets.AcceptBid(r.Context(), market.AcceptParams{
		EventID: eventID,
		BidID:   req.BidID,
		ActorID: requestUserID(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Event   eventResponse   `json:"event"`
		Bid     bidResponse     `json:"bid"`
		Booking bookingResponse `json:"booking"`
	}{
		Event:   toEventResponse(result.Event),
		Bid:     toBidResponse(result.Bid),
		Booking: toBookingResponse(result.Booking),
	})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if requestRole(r) != account.RoleCustomer {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "only customers can book"})
		return
	}

	var req struct {
		PerformerID     string    `json:"performerId" validate:"required"`
		EventAt         time.Time `json:"eventAt" validate:"required"`
		DurationMinutes int       `json:"durationMinutes" validate:"required,gt=0"`
		TotalCents      int64     `json:"totalCents" validate:"required,gt=0"`
		DepositPct      int       `json:"depositPct" validate:"omitempty,gte=0,lte=100"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	created, err := s.bookings.CreateDirect(r.Context(), booking.CreateDirectParams{
		PerformerID:     req.PerformerID,
		CustomerID:      requestUserID(r),
		EventAt:         req.EventAt,
		DurationMinutes: req.DurationMinutes,
		TotalCents:      req.TotalCents,
		DepositPct:      req.DepositPct,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(created))
}

// bookingVisible guards booking reads and mutations: the customer, the
// performer, or an admin.
func bookingVisible(r *http.Request, b booking.Booking) bool {
	if requestRole(r) == account.RoleAdmin {
		return true
	}
	userID := requestUserID(r)
	return b.CustomerID == userID || b.PerformerID == userID
}

func (s *Server) handleBooking(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	b, err := s.bookings.GetByID(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !bookingVisible(r, b) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "not a party to this booking"})
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

func (s *Server) handleBookingRefund(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	b, err := s.bookings.GetByID(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !bookingVisible(r, b) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "not a party to this booking"})
		return
	}

	rec, err := s.refunds.GetByBooking(r.Context(), b.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundResponse(rec))
}

// handleMyRefunds lists refunds issued on the caller's bookings as customer.
func (s *Server) handleMyRefunds(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	records, err := s.refunds.ListByCustomer(r.Context(), requestUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]refundResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRefundResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// bookingParty loads the booking and rejects callers who are neither a
// party to it nor an admin. Returns false after writing the response.
func (s *Server) bookingParty(w http.ResponseWriter, r *http.Request, bookingID string) bool {
	b, err := s.bookings.GetByID(r.Context(), bookingID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if !bookingVisible(r, b) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "not a party to this booking"})
		return false
	}
	return true
}

func (s *Server) handleConfirmBooking(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.bookingParty(w, r, ps.ByName("id")) {
		return
	}

	var req struct {
		DepositPaymentRef string `json:"depositPaymentRef" validate:"required"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	confirmed, err := s.bookings.Confirm(r.Context(), booking.ConfirmParams{
		BookingID:         ps.ByName("id"),
		DepositPaymentRef: req.DepositPaymentRef,
		ActorID:           requestUserID(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(confirmed))
}

func (s *Server) handleCompleteBooking(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.bookingParty(w, r, ps.ByName("id")) {
		return
	}

	completed, err := s.bookings.Complete(r.Context(), booking.CompleteParams{
		BookingID:     ps.ByName("id"),
		ActorID:       requestUserID(r),
		AdminOverride: requestRole(r) == account.RoleAdmin,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(completed))
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.bookingParty(w, r, ps.ByName("id")) {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := s.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	cancelled, err := s.bookings.Cancel(r.Context(), booking.CancelParams{
		BookingID: ps.ByName("id"),
		Reason:    req.Reason,
		ActorID:   requestUserID(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(cancelled))
}

func (s *Server) handleReleasePayout(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result, err := s.payouts.Release(r.Context(), payout.ReleaseParams{
		BookingID: ps.ByName("id"),
		Trigger:   payout.TriggerManual,
		ActorID:   requestUserID(r),
	})
	if err != nil && !errors.Is(err, payout.ErrAlreadyReleased) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReleaseResponse(result))
}

func (s *Server) handleReleaseEligible(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	released, err := s.payouts.ReleaseEligible(r.Context(), payout.TriggerBulk, requestUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Released []string `json:"released"`
		Count    int      `json:"count"`
	}{Released: released, Count: len(released)})
}
