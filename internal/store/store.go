package store

import (
	"errors"
	"sync"

	"github.com/example/carpool/internal/models"
)

var (
	// ErrNotFound is returned for unknown ride/booking/vehicle ids.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint would be violated.
	ErrDuplicate = errors.New("duplicate")
)

// Store defines persistence operations for rides, bookings and ratings.
type Store interface {
	CreateVehicle(v *models.Vehicle) error
	GetVehicle(id string) (*models.Vehicle, error)

	CreateRide(r *models.Ride) error
	GetRide(id string) (*models.Ride, error)
	UpdateRide(r *models.Ride) error
	ListRidesByDriver(driverID string) ([]*models.Ride, error)
	ListRidesByRider(riderID string) ([]*models.Ride, error)

	CreateBooking(b *models.Booking) error
	GetBooking(id string) (*models.Booking, error)
	UpdateBooking(b *models.Booking) error
	ListBookingsByRide(rideID string) ([]*models.Booking, error)

	CreateRating(rt *models.Rating) error
	HasRating(rideID, raterID, rateeID string) (bool, error)
	GetRatingAggregate(userID string) (models.RatingAggregate, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	vehicles map[string]*models.Vehicle
	rides    map[string]*models.Ride
	bookings map[string]*models.Booking
	ratings  map[string]*models.Rating // keyed ride|rater|ratee
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vehicles: make(map[string]*models.Vehicle),
		rides:    make(map[string]*models.Ride),
		bookings: make(map[string]*models.Booking),
		ratings:  make(map[string]*models.Rating),
	}
}

func (m *MemoryStore) CreateVehicle(v *models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.vehicles[v.ID] = &cp
	return nil
}

func (m *MemoryStore) GetVehicle(id string) (*models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) CreateRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) GetRide(id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) UpdateRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) ListRidesByDriver(driverID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID {
			out = append(out, cloneRide(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRidesByRider(riderID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rideIDs := make(map[string]bool)
	for _, b := range m.bookings {
		if b.RiderID == riderID {
			rideIDs[b.RideID] = true
		}
	}
	var out []*models.Ride
	for id := range rideIDs {
		if r, ok := m.rides[id]; ok {
			out = append(out, cloneRide(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateBooking(b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBooking(id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateBooking(b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) ListBookingsByRide(rideID string) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Booking
	for _, b := range m.bookings {
		if b.RideID == rideID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func ratingKey(rideID, raterID, rateeID string) string {
	return rideID + "|" + raterID + "|" + rateeID
}

func (m *MemoryStore) CreateRating(rt *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ratingKey(rt.RideID, rt.RaterID, rt.RateeID)
	if _, ok := m.ratings[k]; ok {
		return ErrDuplicate
	}
	cp := *rt
	m.ratings[k] = &cp
	return nil
}

func (m *MemoryStore) HasRating(rideID, raterID, rateeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ratings[ratingKey(rideID, raterID, rateeID)]
	return ok, nil
}

func (m *MemoryStore) GetRatingAggregate(userID string) (models.RatingAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg := models.RatingAggregate{UserID: userID}
	var sum int
	for _, rt := range m.ratings {
		if rt.RateeID == userID {
			agg.Count++
			sum += rt.Value
		}
	}
	if agg.Count > 0 {
		agg.Average = float64(sum) / float64(agg.Count)
	}
	return agg, nil
}

func cloneRide(r *models.Ride) *models.Ride {
	cp := *r
	if r.Stops != nil {
		cp.Stops = make([]models.Stop, len(r.Stops))
		copy(cp.Stops, r.Stops)
	}
	return &cp
}
