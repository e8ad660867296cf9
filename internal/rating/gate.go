// Package rating gates rating submission behind ride completion and the
// one-rating-per-(rater, ratee, ride) rule.
package rating

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/notify"
	"github.com/example/carpool/internal/store"
)

var (
	ErrAlreadyRated = errors.New("already rated")
	ErrNotEligible  = errors.New("not eligible to rate")
	ErrBadRequest   = errors.New("bad request")
)

type Gate struct {
	store  store.Store
	events notify.Publisher
}

func NewGate(st store.Store, events notify.Publisher) *Gate {
	if events == nil {
		events = notify.NopPublisher{}
	}
	return &Gate{store: st, events: events}
}

// SubmitRating records one rating and returns the ratee's refreshed
// aggregate. Eligibility requires a COMPLETED booking linking the pair to
// the ride: a rider rates the driver, or the driver rates a passenger.
func (g *Gate) SubmitRating(ctx context.Context, rideID, raterID, rateeID string, value int, review string) (*models.Rating, models.RatingAggregate, error) {
	if rideID == "" || raterID == "" || rateeID == "" || raterID == rateeID || value < 1 || value > 5 {
		return nil, models.RatingAggregate{}, ErrBadRequest
	}
	ride, err := g.store.GetRide(rideID)
	if err != nil {
		return nil, models.RatingAggregate{}, err
	}
	eligible, err := g.eligible(ride, raterID, rateeID)
	if err != nil {
		return nil, models.RatingAggregate{}, err
	}
	if !eligible {
		return nil, models.RatingAggregate{}, ErrNotEligible
	}
	if rated, err := g.store.HasRating(rideID, raterID, rateeID); err != nil {
		return nil, models.RatingAggregate{}, err
	} else if rated {
		return nil, models.RatingAggregate{}, ErrAlreadyRated
	}

	rt := &models.Rating{
		ID:        uuid.NewString(),
		RideID:    rideID,
		RaterID:   raterID,
		RateeID:   rateeID,
		Value:     value,
		Review:    review,
		CreatedAt: time.Now(),
	}
	if err := g.store.CreateRating(rt); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, models.RatingAggregate{}, ErrAlreadyRated
		}
		return nil, models.RatingAggregate{}, err
	}
	agg, err := g.store.GetRatingAggregate(rateeID)
	if err != nil {
		return nil, models.RatingAggregate{}, err
	}
	g.events.Publish(notify.Event{Type: notify.EventRatingReceived, RideID: rideID, RecipientID: rateeID})
	return rt, agg, nil
}

// CheckRated is a pure read used by clients to decide whether to show a
// pending-rating affordance.
func (g *Gate) CheckRated(ctx context.Context, rideID, raterID, rateeID string) (bool, error) {
	return g.store.HasRating(rideID, raterID, rateeID)
}

// Aggregate returns the maintained average for a user.
func (g *Gate) Aggregate(ctx context.Context, userID string) (models.RatingAggregate, error) {
	return g.store.GetRatingAggregate(userID)
}

func (g *Gate) eligible(ride *models.Ride, raterID, rateeID string) (bool, error) {
	bookings, err := g.store.ListBookingsByRide(ride.ID)
	if err != nil {
		return false, err
	}
	completed := func(riderID string) bool {
		for _, b := range bookings {
			if b.RiderID == riderID && b.Status == models.BookingCompleted {
				return true
			}
		}
		return false
	}
	// rider rates the driver
	if rateeID == ride.DriverID && completed(raterID) {
		return true, nil
	}
	// driver rates a passenger
	if raterID == ride.DriverID && completed(rateeID) {
		return true, nil
	}
	return false, nil
}
