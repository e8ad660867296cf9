// Package relay implements the per-ride live location broadcast: one
// authoritative writer (the driver), many subscribed riders, plus a retained
// last-known sample for late joiners. The live channel is deliberately
// lossy; the retained sample is the correctness backstop.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

var (
	ErrNotAuthorizedPublisher = errors.New("not authorized to publish location")
	ErrNotSubscriber          = errors.New("not a subscriber of this ride")
	ErrNoLocation             = errors.New("no location recorded yet")
)

// LastKnown is the single-writer multi-reader retained sample cell per ride.
type LastKnown interface {
	Set(ctx context.Context, s models.LocationSample) error
	Get(ctx context.Context, rideID string) (*models.LocationSample, error)
	Clear(ctx context.Context, rideID string) error
}

// RideLookup is the slice of the store the relay needs to authorize
// publishers and subscribers.
type RideLookup interface {
	GetRide(id string) (*models.Ride, error)
	ListBookingsByRide(rideID string) ([]*models.Booking, error)
}

type subscriber struct {
	userID string
	ch     chan models.LocationSample
}

type room struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type Relay struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	last   LastKnown
	rides  RideLookup
	buffer int
}

func New(rides RideLookup, last LastKnown, buffer int) *Relay {
	if buffer <= 0 {
		buffer = 16
	}
	if last == nil {
		last = NewMemoryLastKnown()
	}
	return &Relay{rooms: make(map[string]*room), last: last, rides: rides, buffer: buffer}
}

func (r *Relay) room(rideID string, create bool) *room {
	r.mu.RLock()
	rm, ok := r.rooms[rideID]
	r.mu.RUnlock()
	if ok || !create {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[rideID]; ok {
		return rm
	}
	rm = &room{subs: make(map[string]*subscriber)}
	r.rooms[rideID] = rm
	return rm
}

// OpenRide makes the ride's channel live. Idempotent.
func (r *Relay) OpenRide(rideID string) {
	r.room(rideID, true)
}

// CloseRide drops the subscriber set and the retained sample. Subscriber
// channels are closed so readers observe end-of-stream.
func (r *Relay) CloseRide(rideID string) {
	r.mu.Lock()
	rm, ok := r.rooms[rideID]
	delete(r.rooms, rideID)
	r.mu.Unlock()
	if ok {
		rm.mu.Lock()
		for id, sub := range rm.subs {
			close(sub.ch)
			delete(rm.subs, id)
			observability.RelaySubscribers.Dec()
		}
		rm.mu.Unlock()
	}
	_ = r.last.Clear(context.Background(), rideID)
}

// Join registers a subscriber and returns its receive channel. If a retained
// sample exists it is delivered on the channel before any live sample, so a
// late joiner never starts from a blank map. Only the ride's driver and
// riders with an APPROVED booking may subscribe. Joining a terminal ride
// returns a closed channel.
func (r *Relay) Join(rideID, userID string) (<-chan models.LocationSample, error) {
	ride, err := r.rides.GetRide(rideID)
	if err != nil {
		return nil, err
	}
	if !r.maySubscribe(ride, userID) {
		return nil, ErrNotSubscriber
	}

	rm := r.room(rideID, !ride.Status.Terminal())
	if rm == nil {
		// ride already closed: the stream has ended
		ch := make(chan models.LocationSample)
		close(ch)
		return ch, nil
	}
	sub := &subscriber{userID: userID, ch: make(chan models.LocationSample, r.buffer)}

	// the retained sample is enqueued before the subscriber becomes visible
	// to PublishLocation, so no live sample can precede it
	if s, err := r.last.Get(context.Background(), rideID); err == nil && s != nil {
		sub.ch <- *s
	}

	rm.mu.Lock()
	if old, ok := rm.subs[userID]; ok {
		close(old.ch)
		observability.RelaySubscribers.Dec()
	}
	rm.subs[userID] = sub
	rm.mu.Unlock()
	observability.RelaySubscribers.Inc()
	return sub.ch, nil
}

// Leave deregisters a subscriber. Idempotent.
func (r *Relay) Leave(rideID, userID string) {
	rm := r.room(rideID, false)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	sub, ok := rm.subs[userID]
	if ok {
		delete(rm.subs, userID)
	}
	rm.mu.Unlock()
	if ok {
		close(sub.ch)
		observability.RelaySubscribers.Dec()
	}
}

// PublishLocation accepts a sample from the ride's driver while the ride is
// STARTED, updates the retained cell and fans it out. Each delivery is
// independent: a slow subscriber drops samples instead of blocking the
// publish path.
func (r *Relay) PublishLocation(ctx context.Context, rideID, userID string, lat, lng float64) error {
	ride, err := r.rides.GetRide(rideID)
	if err != nil {
		return err
	}
	if ride.DriverID != userID || ride.Status != models.RideStarted {
		return ErrNotAuthorizedPublisher
	}

	s := models.LocationSample{RideID: rideID, Lat: lat, Lng: lng, CapturedAt: time.Now()}
	// a failed cell write does not stall the live fan-out; the next sample
	// retries the cell
	_ = r.last.Set(ctx, s)
	observability.LocationSamplesTotal.Inc()

	rm := r.room(rideID, false)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	for _, sub := range rm.subs {
		select {
		case sub.ch <- s:
		default:
			// subscriber buffer full: drop, superseded by the next sample
		}
	}
	rm.mu.RUnlock()
	return nil
}

// GetLastKnownLocation returns the retained sample, or ErrNoLocation when
// the driver has not reported yet.
func (r *Relay) GetLastKnownLocation(ctx context.Context, rideID string) (*models.LocationSample, error) {
	s, err := r.last.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoLocation
	}
	return s, nil
}

func (r *Relay) maySubscribe(ride *models.Ride, userID string) bool {
	if ride.DriverID == userID {
		return true
	}
	bookings, err := r.rides.ListBookingsByRide(ride.ID)
	if err != nil {
		return false
	}
	for _, b := range bookings {
		if b.RiderID == userID && b.Status == models.BookingApproved {
			return true
		}
	}
	return false
}

// MemoryLastKnown keeps retained samples in process memory.
type MemoryLastKnown struct {
	mu      sync.RWMutex
	samples map[string]models.LocationSample
}

func NewMemoryLastKnown() *MemoryLastKnown {
	return &MemoryLastKnown{samples: make(map[string]models.LocationSample)}
}

func (m *MemoryLastKnown) Set(ctx context.Context, s models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.RideID] = s
	return nil
}

func (m *MemoryLastKnown) Get(ctx context.Context, rideID string) (*models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.samples[rideID]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *MemoryLastKnown) Clear(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.samples, rideID)
	return nil
}
