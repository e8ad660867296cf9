// Package booking implements the booking arbiter: seat-inventory and
// approval-mode invariants for concurrent booking requests.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/locks"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/notify"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/store"
)

var (
	ErrInsufficientSeats = errors.New("insufficient seats")
	ErrRideNotBookable   = errors.New("ride not bookable")
	ErrBookingClosed     = errors.New("booking already closed")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrBadRequest        = errors.New("bad request")
)

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Arbiter serializes all seat mutations for a ride through the shared
// per-ride lock. Collaborator calls (payments, events) happen after the
// lock is released; booking outcomes never depend on them.
type Arbiter struct {
	store    store.Store
	rideLock *locks.Keyed
	events   notify.Publisher
	payments payments.Gateway // optional
	currency string
}

func NewArbiter(st store.Store, rideLock *locks.Keyed, events notify.Publisher, gw payments.Gateway) *Arbiter {
	if events == nil {
		events = notify.NopPublisher{}
	}
	return &Arbiter{store: st, rideLock: rideLock, events: events, payments: gw, currency: "usd"}
}

// CreateBooking reserves seats on an INSTANT ride immediately, or records a
// PENDING request on an APPROVAL ride without touching the seat counter.
func (a *Arbiter) CreateBooking(ctx context.Context, rideID, riderID string, seats int, amount float64) (*models.Booking, error) {
	if rideID == "" || riderID == "" || seats <= 0 || amount < 0 {
		return nil, ErrBadRequest
	}

	a.rideLock.Lock(rideID)
	ride, err := a.store.GetRide(rideID)
	if err != nil {
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	if ride.DriverID == riderID {
		a.rideLock.Unlock(rideID)
		return nil, ErrNotAuthorized
	}
	if ride.Status != models.RideActive {
		a.rideLock.Unlock(rideID)
		observability.BookingsTotal.WithLabelValues("not_bookable").Inc()
		return nil, ErrRideNotBookable
	}
	if seats > ride.AvailableSeats {
		a.rideLock.Unlock(rideID)
		observability.BookingsTotal.WithLabelValues("insufficient_seats").Inc()
		return nil, ErrInsufficientSeats
	}

	now := time.Now()
	b := &models.Booking{
		ID:          uuid.NewString(),
		RideID:      rideID,
		RiderID:     riderID,
		SeatsBooked: seats,
		Amount:      amount,
		Status:      models.BookingPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ride.BookingType == models.BookingInstant {
		b.Status = models.BookingApproved
		ride.AvailableSeats -= seats
		if err := a.store.UpdateRide(ride); err != nil {
			a.rideLock.Unlock(rideID)
			return nil, err
		}
	}
	if err := a.store.CreateBooking(b); err != nil {
		if ride.BookingType == models.BookingInstant {
			ride.AvailableSeats += seats
			_ = a.store.UpdateRide(ride)
		}
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	a.rideLock.Unlock(rideID)

	observability.BookingsTotal.WithLabelValues("created").Inc()
	if b.Status == models.BookingApproved {
		a.holdPayment(ctx, b)
		a.events.Publish(notify.Event{Type: notify.EventBookingApproved, RideID: rideID, BookingID: b.ID, RecipientID: riderID})
	}
	return b, nil
}

// DecideBooking approves or rejects a PENDING request. Approval re-validates
// the seat counter: another approval may have consumed capacity meanwhile.
func (a *Arbiter) DecideBooking(ctx context.Context, bookingID string, decision Decision, actorID string) (*models.Booking, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, ErrBadRequest
	}
	b, err := a.store.GetBooking(bookingID)
	if err != nil {
		return nil, err
	}
	rideID := b.RideID

	a.rideLock.Lock(rideID)
	ride, err := a.store.GetRide(rideID)
	if err != nil {
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	if ride.DriverID != actorID {
		a.rideLock.Unlock(rideID)
		return nil, ErrNotAuthorized
	}
	// reload under the lock: a concurrent decision may have landed
	b, err = a.store.GetBooking(bookingID)
	if err != nil {
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	if b.Status != models.BookingPending {
		a.rideLock.Unlock(rideID)
		return nil, ErrBookingClosed
	}
	if ride.Status.Terminal() {
		a.rideLock.Unlock(rideID)
		return nil, ErrRideNotBookable
	}

	if decision == DecisionReject {
		b.Status = models.BookingRejected
		if err := a.store.UpdateBooking(b); err != nil {
			a.rideLock.Unlock(rideID)
			return nil, err
		}
		a.rideLock.Unlock(rideID)
		observability.BookingsTotal.WithLabelValues("rejected").Inc()
		a.events.Publish(notify.Event{Type: notify.EventBookingRejected, RideID: rideID, BookingID: b.ID, RecipientID: b.RiderID})
		return b, nil
	}

	if b.SeatsBooked > ride.AvailableSeats {
		a.rideLock.Unlock(rideID)
		observability.BookingsTotal.WithLabelValues("insufficient_seats").Inc()
		return nil, ErrInsufficientSeats
	}
	ride.AvailableSeats -= b.SeatsBooked
	if err := a.store.UpdateRide(ride); err != nil {
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	b.Status = models.BookingApproved
	if err := a.store.UpdateBooking(b); err != nil {
		ride.AvailableSeats += b.SeatsBooked
		_ = a.store.UpdateRide(ride)
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	a.rideLock.Unlock(rideID)

	observability.BookingsTotal.WithLabelValues("approved").Inc()
	a.holdPayment(ctx, b)
	a.events.Publish(notify.Event{Type: notify.EventBookingApproved, RideID: rideID, BookingID: b.ID, RecipientID: b.RiderID})
	return b, nil
}

// CancelBooking is the rider-side cancel. Seats reserved by an APPROVED
// booking return to the pool; the ride itself is untouched.
func (a *Arbiter) CancelBooking(ctx context.Context, bookingID, actorID string) (*models.Booking, error) {
	b, err := a.store.GetBooking(bookingID)
	if err != nil {
		return nil, err
	}
	if b.RiderID != actorID {
		return nil, ErrNotAuthorized
	}
	rideID := b.RideID

	a.rideLock.Lock(rideID)
	ride, err := a.store.GetRide(rideID)
	if err != nil {
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	if ride.Status != models.RideActive && ride.Status != models.RideStarted {
		a.rideLock.Unlock(rideID)
		return nil, ErrRideNotBookable
	}
	b, err = a.store.GetBooking(bookingID)
	if err != nil {
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	if b.Status.Terminal() {
		a.rideLock.Unlock(rideID)
		return nil, ErrBookingClosed
	}

	wasApproved := b.Status == models.BookingApproved
	if wasApproved {
		ride.AvailableSeats += b.SeatsBooked
		if err := a.store.UpdateRide(ride); err != nil {
			a.rideLock.Unlock(rideID)
			return nil, err
		}
	}
	b.Status = models.BookingCancelled
	if err := a.store.UpdateBooking(b); err != nil {
		if wasApproved {
			ride.AvailableSeats -= b.SeatsBooked
			_ = a.store.UpdateRide(ride)
		}
		a.rideLock.Unlock(rideID)
		return nil, err
	}
	a.rideLock.Unlock(rideID)

	observability.BookingsTotal.WithLabelValues("cancelled").Inc()
	a.releasePayment(ctx, b)
	a.events.Publish(notify.Event{Type: notify.EventBookingCancelled, RideID: rideID, BookingID: b.ID, RecipientID: ride.DriverID})
	return b, nil
}

func (a *Arbiter) holdPayment(ctx context.Context, b *models.Booking) {
	if a.payments == nil || b.Amount <= 0 {
		return
	}
	ref, err := a.payments.Hold(ctx, int64(b.Amount*100), a.currency, b.RiderID)
	if err != nil {
		return
	}
	b.PaymentRef = ref
	_ = a.store.UpdateBooking(b)
}

func (a *Arbiter) releasePayment(ctx context.Context, b *models.Booking) {
	if a.payments == nil || b.PaymentRef == "" {
		return
	}
	_ = a.payments.Release(ctx, b.PaymentRef)
}
