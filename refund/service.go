package refund

import "context"

// Service exposes read access to refund records.
type Service struct {
	repo *Repository
}

// NewService builds a Service using the provided repository.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// GetByBooking returns the refund issued for a booking, if any.
func (s *Service) GetByBooking(ctx context.Context, bookingID string) (Record, error) {
	return s.repo.GetByBooking(ctx, bookingID)
}

// ListByCustomer returns refunds issued against a customer's bookings.
func (s *Service) ListByCustomer(ctx context.Context, customerID string) ([]Record, error) {
	return s.repo.ListByCustomer(ctx, customerID)
}
