package market

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gigflow/bid"
	"gigflow/booking"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// bidTable stands in for the bids rows the acceptance path touches with
// raw SQL inside the transaction.
type bidTable struct {
	bids map[string]bid.Bid
}

type fakePool struct {
	table *bidTable
	tx    *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{table: f.table}
	return f.tx, nil
}

type fakeTx struct {
	table     *bidTable
	committed bool
	rolled    bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "status = 'accepted'"):
		id := args[0].(string)
		b := f.table.bids[id]
		if b.Status == bid.StatusPending {
			b.Status = bid.StatusAccepted
			f.table.bids[id] = b
		}
	case strings.Contains(sql, "status = 'rejected'"):
		eventID := args[0].(string)
		keep := ""
		if len(args) > 1 {
			keep = args[1].(string)
		}
		for id, b := range f.table.bids {
			if b.EventID == eventID && id != keep && b.Status == bid.StatusPending {
				b.Status = bid.StatusRejected
				f.table.bids[id] = b
			}
		}
	case strings.Contains(sql, "booking_id"):
		id := args[0].(string)
		bookingID := args[1].(string)
		b := f.table.bids[id]
		b.BookingID = &bookingID
		f.table.bids[id] = b
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	b, ok := f.table.bids[args[0].(string)]
	return &fakeBidRow{bid: b, ok: ok}
}

func (f *fakeTx) Conn() *pgx.Conn { return nil }

type fakeBidRow struct {
	bid bid.Bid
	ok  bool
}

func (f *fakeBidRow) Scan(dest ...any) error {
	if !f.ok {
		return pgx.ErrNoRows
	}
	*dest[0].(*string) = f.bid.ID
	*dest[1].(*string) = f.bid.EventID
	*dest[2].(*string) = f.bid.PerformerID
	*dest[3].(*int64) = f.bid.AmountCents
	*dest[4].(*string) = f.bid.Message
	*dest[5].(*bid.Status) = f.bid.Status
	*dest[6].(**string) = f.bid.BookingID
	*dest[7].(*time.Time) = f.bid.SubmittedAt
	*dest[8].(*time.Time) = f.bid.UpdatedAt
	return nil
}

type fakeRepo struct {
	events map[string]Event
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, e Event) (Event, error) {
	e.Status = StatusOpen
	f.events[e.ID] = e
	return e, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (Event, error) {
	e, ok := f.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Event, error) {
	return f.GetByID(context.Background(), id)
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, from []Status, to Status, cancelReason *string) (Event, error) {
	e, ok := f.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	legal := false
	for _, s := range from {
		if e.Status == s {
			legal = true
			break
		}
	}
	if !legal {
		return Event{}, &InvalidTransitionError{From: e.Status, To: to}
	}
	e.Status = to
	e.CancelReason = cancelReason
	f.events[id] = e
	return e, nil
}

func (f *fakeRepo) List(_ context.Context, _ Filters) ([]Event, int, error) {
	out := make([]Event, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e)
	}
	return out, len(out), nil
}

type fakeBookingCreator struct {
	byBid map[string]booking.Booking
	calls int
}

func (f *fakeBookingCreator) CreateFromBid(_ context.Context, _ pgx.Tx, params booking.CreateFromBidParams) (booking.Booking, error) {
	if existing, ok := f.byBid[params.BidID]; ok {
		return existing, nil
	}
	f.calls++
	bidID := params.BidID
	bk := booking.Booking{
		ID:          "bk-" + params.BidID,
		PerformerID: params.PerformerID,
		CustomerID:  params.CustomerID,
		OriginBidID: &bidID,
		EventAt:     params.EventAt,
		TotalCents:  params.AmountCents,
		Status:      booking.StatusPending,
	}
	f.byBid[params.BidID] = bk
	return bk, nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func openEvent(id, customerID string) Event {
	return Event{
		ID:             id,
		CustomerID:     customerID,
		Category:       "jazz",
		BudgetMinCents: 10000,
		BudgetMaxCents: 50000,
		EventAt:        time.Date(2025, 7, 1, 20, 0, 0, 0, time.UTC),
		BidDeadline:    time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC),
		Status:         StatusOpen,
	}
}

func pendingBid(id, eventID, performerID string, amount int64) bid.Bid {
	return bid.Bid{
		ID:          id,
		EventID:     eventID,
		PerformerID: performerID,
		AmountCents: amount,
		Status:      bid.StatusPending,
		SubmittedAt: fixedClock(),
		UpdatedAt:   fixedClock(),
	}
}

func testService(repo *fakeRepo, table *bidTable, bookings *fakeBookingCreator) (*Service, *fakePool) {
	pool := &fakePool{table: table}
	svc := NewService(pool, repo, bookings).
		WithClock(fixedClock).
		WithIDGenerator(func() string { return "ev-1" })
	return svc, pool
}

func TestCreate_DeadlineMustPrecedeEvent(t *testing.T) {
	repo := &fakeRepo{events: map[string]Event{}}
	svc, _ := testService(repo, &bidTable{bids: map[string]bid.Bid{}}, &fakeBookingCreator{byBid: map[string]booking.Booking{}})

	_, err := svc.Create(context.Background(), CreateParams{
		CustomerID:     "c1",
		Category:       "jazz",
		BudgetMinCents: 10000,
		BudgetMaxCents: 50000,
		EventAt:        time.Date(2025, 7, 1, 20, 0, 0, 0, time.UTC),
		BidDeadline:    time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC),
	})
	if err == nil {
		t.Fatal("expected error for deadline after event date")
	}
}

func TestAcceptBid_RejectsSiblingsAndBooks(t *testing.T) {
	repo := &fakeRepo{events: map[string]Event{"e1": openEvent("e1", "c1")}}
	table := &bidTable{bids: map[string]bid.Bid{
		"b1": pendingBid("b1", "e1", "p1", 30000),
		"b2": pendingBid("b2", "e1", "p2", 35000),
		"b3": pendingBid("b3", "e2", "p3", 20000),
	}}
	bookings := &fakeBookingCreator{byBid: map[string]booking.Booking{}}
	svc, pool := testService(repo, table, bookings)

	result, err := svc.AcceptBid(context.Background(), AcceptParams{EventID: "e1", BidID: "b1", ActorID: "c1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if result.Event.Status != StatusBooked {
		t.Errorf("expected booked event, got %s", result.Event.Status)
	}
	if result.Bid.Status != bid.StatusAccepted {
		t.Errorf("expected accepted bid, got %s", result.Bid.Status)
	}
	if result.Booking.TotalCents != 30000 {
		t.Errorf("booking must use the bid amount, got %d", result.Booking.TotalCents)
	}
	if table.bids["b2"].Status != bid.StatusRejected {
		t.Errorf("sibling bid must be rejected, got %s", table.bids["b2"].Status)
	}
	if table.bids["b3"].Status != bid.StatusPending {
		t.Errorf("bid on another event must stay pending, got %s", table.bids["b3"].Status)
	}
	if table.bids["b1"].BookingID == nil || *table.bids["b1"].BookingID != result.Booking.ID {
		t.Error("accepted bid must reference its booking")
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestAcceptBid_RetryReturnsExistingOutcome(t *testing.T) {
	repo := &fakeRepo{events: map[string]Event{"e1": openEvent("e1", "c1")}}
	table := &bidTable{bids: map[string]bid.Bid{
		"b1": pendingBid("b1", "e1", "p1", 30000),
	}}
	bookings := &fakeBookingCreator{byBid: map[string]booking.Booking{}}
	svc, _ := testService(repo, table, bookings)

	first, err := svc.AcceptBid(context.Background(), AcceptParams{EventID: "e1", BidID: "b1", ActorID: "c1"})
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	retry, err := svc.AcceptBid(context.Background(), AcceptParams{EventID: "e1", BidID: "b1", ActorID: "c1"})
	if err != nil {
		t.Fatalf("retry accept: %v", err)
	}

	if first.Booking.ID != retry.Booking.ID {
		t.Errorf("retry must reuse the booking: %s vs %s", first.Booking.ID, retry.Booking.ID)
	}
	if bookings.calls != 1 {
		t.Errorf("expected a single booking creation, got %d", bookings.calls)
	}
}

func TestAcceptBid_RetryDoesNotRepeatNotification(t *testing.T) {
	repo := &fakeRepo{events: map[string]Event{"e1": openEvent("e1", "c1")}}
	table := &bidTable{bids: map[string]bid.Bid{
		"b1": pendingBid("b1", "e1", "p1", 30000),
	}}
	bookings := &fakeBookingCreator{byBid: map[string]booking.Booking{}}
	svc, _ := testService(repo, table, bookings)
	outbox := &fakeOutbox{}
	svc.WithOutbox(outbox)

	if _, err := svc.AcceptBid(context.Background(), AcceptParams{EventID: "e1", BidID: "b1", ActorID: "c1"}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := svc.AcceptBid(context.Background(), AcceptParams{EventID: "e1", BidID: "b1", ActorID: "c1"}); err != nil {
		t.Fatalf("retry accept: %v", err)
	}

	booked := 0
	for _, topic := range outbox.topics {
		if topic == "market.event_booked" {
			booked++
		}
	}
	if booked != 1 {
		t.Fatalf("expected a single booked notification, got %d", booked)
	}
}

func TestAcceptBid_BidFromOtherEventRejected(t *testing.T) {
	repo := &fakeRepo{events: map[string]Event{"e1": openEvent("e1", "c1")}}
	table := &bidTable{bids: map[string]bid.Bid{
		"b1": pendingBid("b1", "e2", "p1", 30000),
	}}
	svc, _ := testService(repo, table, &fakeBookingCreator{byBid: map[string]booking.Booking{}})

	_, err := svc.AcceptBid(context.Background(), AcceptParams{EventID: "e1", BidID: "b1"})
	if !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("expected ErrInvalidBid, got %v", err)
	}
}

func TestAcceptBid_CancelledEventRejected(t *testing.T) {
	cancelled := openEvent("e1", "c1")
	cancelled.Status = StatusCancelled
	repo := &fakeRepo{events: map[string]Event{"e1": cancelled}}
	table := &bidTable{bids: map[string]bid.Bid{
		"b1": pendingBid("b1", "e1", "p1", 30000),
	}}
	svc, _ := testService(repo, table, &fakeBookingCreator{byBid: map[string]booking.Booking{}})

	_, err := svc.AcceptBid(context.Background(), AcceptParams{EventID: "e1", BidID: "b1"})
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestCloseBidding_Idempotent(t *testing.T) {
	repo := &fakeRepo{events: map[string]Event{"e1": openEvent("e1", "c1")}}
	svc, _ := testService(repo, &bidTable{bids: map[string]bid.Bid{}}, &fakeBookingCreator{byBid: map[string]booking.Booking{}})

	closed, err := svc.CloseBidding(context.Background(), "e1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("expected closed, got %s", closed.Status)
	}

	again, err := svc.CloseBidding(context.Background(), "e1")
	if err != nil {
		t.Fatalf("replay close: %v", err)
	}
	if again.Status != StatusClosed {
		t.Errorf("expected closed on replay, got %s", again.Status)
	}
}

func TestCancelEvent_RejectsPendingBids(t *testing.T) {
	repo := &fakeRepo{events: map[string]Event{"e1": openEvent("e1", "c1")}}
	table := &bidTable{bids: map[string]bid.Bid{
		"b1": pendingBid("b1", "e1", "p1", 30000),
	}}
	svc, _ := testService(repo, table, &fakeBookingCreator{byBid: map[string]booking.Booking{}})

	cancelled, err := svc.CancelEvent(context.Background(), "e1", "rained out")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancelReason == nil || *cancelled.CancelReason != "rained out" {
		t.Errorf("expected cancel reason, got %v", cancelled.CancelReason)
	}
	if table.bids["b1"].Status != bid.StatusRejected {
		t.Errorf("pending bid must be rejected on cancel, got %s", table.bids["b1"].Status)
	}
}

func TestCancelEvent_BookedEventRejected(t *testing.T) {
	booked := openEvent("e1", "c1")
	booked.Status = StatusBooked
	repo := &fakeRepo{events: map[string]Event{"e1": booked}}
	svc, _ := testService(repo, &bidTable{bids: map[string]bid.Bid{}}, &fakeBookingCreator{byBid: map[string]booking.Booking{}})

	_, err := svc.CancelEvent(context.Background(), "e1", "")
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestGetByID_DeadlineImpliesClosed(t *testing.T) {
	stale := openEvent("e1", "c1")
	stale.BidDeadline = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeRepo{events: map[string]Event{"e1": stale}}
	svc, _ := testService(repo, &bidTable{bids: map[string]bid.Bid{}}, &fakeBookingCreator{byBid: map[string]booking.Booking{}})

	e, err := svc.GetByID(context.Background(), "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != StatusClosed {
		t.Errorf("open event past deadline must read closed, got %s", e.Status)
	}
	if repo.events["e1"].Status != StatusOpen {
		t.Errorf("read path must not persist the closure, got %s", repo.events["e1"].Status)
	}
}
