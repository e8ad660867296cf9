// Package lifecycle drives a ride through ACTIVE, STARTED and its terminal
// states, cascading the effects onto bookings. Transitions share the per-ride
// lock with the booking arbiter, so a Complete can never race an in-flight
// CreateBooking into a half-state.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/example/carpool/internal/locks"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/notify"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/store"
)

var (
	ErrNotAuthorized     = errors.New("not authorized")
	ErrInvalidTransition = errors.New("invalid ride transition")
)

var allowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.RideActive:  {models.RideStarted, models.RideCancelled},
	models.RideStarted: {models.RideCompleted, models.RideCancelled},
}

func canTransition(from, to models.RideStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Relay is the slice of the location relay the lifecycle controls: the
// channel opens at start and closes at completion or cancellation.
type Relay interface {
	OpenRide(rideID string)
	CloseRide(rideID string)
}

type Manager struct {
	store    store.Store
	rideLock *locks.Keyed
	relay    Relay
	events   notify.Publisher
	payments payments.Gateway // optional
}

func NewManager(st store.Store, rideLock *locks.Keyed, relay Relay, events notify.Publisher, gw payments.Gateway) *Manager {
	if events == nil {
		events = notify.NopPublisher{}
	}
	return &Manager{store: st, rideLock: rideLock, relay: relay, events: events, payments: gw}
}

// Start transitions an ACTIVE ride to STARTED, opens its relay channel and
// notifies every rider holding an APPROVED booking.
func (m *Manager) Start(ctx context.Context, rideID, actorID string) error {
	m.rideLock.Lock(rideID)
	ride, err := m.store.GetRide(rideID)
	if err != nil {
		m.rideLock.Unlock(rideID)
		return err
	}
	if ride.DriverID != actorID {
		m.rideLock.Unlock(rideID)
		return ErrNotAuthorized
	}
	if !canTransition(ride.Status, models.RideStarted) {
		m.rideLock.Unlock(rideID)
		return ErrInvalidTransition
	}
	ride.Status = models.RideStarted
	if err := m.store.UpdateRide(ride); err != nil {
		m.rideLock.Unlock(rideID)
		return err
	}
	bookings, err := m.store.ListBookingsByRide(rideID)
	m.rideLock.Unlock(rideID)

	// the ride is STARTED regardless, so the channel opens even if the
	// roster read failed and notifications are skipped
	if m.relay != nil {
		m.relay.OpenRide(rideID)
	}
	if err != nil {
		return err
	}
	for _, b := range bookings {
		if b.Status == models.BookingApproved {
			m.events.Publish(notify.Event{Type: notify.EventRideStarted, RideID: rideID, BookingID: b.ID, RecipientID: b.RiderID})
		}
	}
	return nil
}

// Complete transitions a STARTED ride and all its APPROVED bookings to
// COMPLETED, closes the relay channel and returns the affected rider ids.
// Completion opens the rating gate for each returned rider.
func (m *Manager) Complete(ctx context.Context, rideID, actorID string) ([]string, error) {
	m.rideLock.Lock(rideID)
	ride, err := m.store.GetRide(rideID)
	if err != nil {
		m.rideLock.Unlock(rideID)
		return nil, err
	}
	if ride.DriverID != actorID {
		m.rideLock.Unlock(rideID)
		return nil, ErrNotAuthorized
	}
	if !canTransition(ride.Status, models.RideCompleted) {
		m.rideLock.Unlock(rideID)
		return nil, ErrInvalidTransition
	}
	ride.Status = models.RideCompleted
	if err := m.store.UpdateRide(ride); err != nil {
		m.rideLock.Unlock(rideID)
		return nil, err
	}
	bookings, err := m.store.ListBookingsByRide(rideID)
	if err != nil {
		m.rideLock.Unlock(rideID)
		return nil, err
	}
	var completed []*models.Booking
	for _, b := range bookings {
		if b.Status != models.BookingApproved {
			continue
		}
		b.Status = models.BookingCompleted
		b.UpdatedAt = time.Now()
		if err := m.store.UpdateBooking(b); err != nil {
			m.rideLock.Unlock(rideID)
			return nil, err
		}
		completed = append(completed, b)
	}
	m.rideLock.Unlock(rideID)

	if m.relay != nil {
		m.relay.CloseRide(rideID)
	}
	observability.RidesActive.Dec()
	riders := make([]string, 0, len(completed))
	for _, b := range completed {
		riders = append(riders, b.RiderID)
		m.capturePayment(ctx, b)
		m.events.Publish(notify.Event{Type: notify.EventRideCompleted, RideID: rideID, BookingID: b.ID, RecipientID: b.RiderID})
	}
	return riders, nil
}

// Cancel kills a ride from ACTIVE or STARTED and drives every non-terminal
// booking to CANCELLED. No seats are restored: the ride is dead. Cancelling
// an already-cancelled ride is a no-op.
func (m *Manager) Cancel(ctx context.Context, rideID, actorID, reason string) error {
	m.rideLock.Lock(rideID)
	ride, err := m.store.GetRide(rideID)
	if err != nil {
		m.rideLock.Unlock(rideID)
		return err
	}
	if ride.DriverID != actorID {
		m.rideLock.Unlock(rideID)
		return ErrNotAuthorized
	}
	if ride.Status == models.RideCancelled {
		m.rideLock.Unlock(rideID)
		return nil
	}
	if !canTransition(ride.Status, models.RideCancelled) {
		m.rideLock.Unlock(rideID)
		return ErrInvalidTransition
	}
	ride.Status = models.RideCancelled
	ride.CancelReason = reason
	if err := m.store.UpdateRide(ride); err != nil {
		m.rideLock.Unlock(rideID)
		return err
	}
	bookings, err := m.store.ListBookingsByRide(rideID)
	if err != nil {
		m.rideLock.Unlock(rideID)
		return err
	}
	var cancelled []*models.Booking
	for _, b := range bookings {
		if b.Status.Terminal() {
			continue
		}
		b.Status = models.BookingCancelled
		b.UpdatedAt = time.Now()
		if err := m.store.UpdateBooking(b); err != nil {
			m.rideLock.Unlock(rideID)
			return err
		}
		cancelled = append(cancelled, b)
	}
	m.rideLock.Unlock(rideID)

	if m.relay != nil {
		m.relay.CloseRide(rideID)
	}
	observability.RidesActive.Dec()
	for _, b := range cancelled {
		m.releasePayment(ctx, b)
		m.events.Publish(notify.Event{Type: notify.EventRideCancelled, RideID: rideID, BookingID: b.ID, RecipientID: b.RiderID, Reason: reason})
	}
	return nil
}

func (m *Manager) capturePayment(ctx context.Context, b *models.Booking) {
	if m.payments == nil || b.PaymentRef == "" {
		return
	}
	_ = m.payments.Capture(ctx, b.PaymentRef)
}

func (m *Manager) releasePayment(ctx context.Context, b *models.Booking) {
	if m.payments == nil || b.PaymentRef == "" {
		return
	}
	_ = m.payments.Release(ctx, b.PaymentRef)
}
