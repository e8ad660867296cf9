package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Address pairs a human-readable place with its coordinates.
type Address struct {
	Label string `json:"label"`
	Coord
}

// Stop is an intermediate pickup/drop point on a ride, priced per leg.
type Stop struct {
	Coord
	Label    string  `json:"label"`
	LegPrice float64 `json:"leg_price"`
}

type Vehicle struct {
	ID       string `json:"vehicle_id"`
	DriverID string `json:"driver_id"`
	Model    string `json:"model"`
	Plate    string `json:"plate"`
	Seats    int    `json:"seats"`
}

type BookingType string

const (
	BookingInstant  BookingType = "INSTANT"
	BookingApproval BookingType = "APPROVAL"
)

type RideStatus string

const (
	RideActive    RideStatus = "ACTIVE"
	RideStarted   RideStatus = "STARTED"
	RideCompleted RideStatus = "COMPLETED"
	RideCancelled RideStatus = "CANCELLED"
)

// Terminal reports whether no further ride mutation is allowed.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type Ride struct {
	ID             string      `json:"ride_id"`
	DriverID       string      `json:"driver_id"`
	VehicleID      string      `json:"vehicle_id,omitempty"`
	Source         Address     `json:"source"`
	Destination    Address     `json:"destination"`
	Stops          []Stop      `json:"stops,omitempty"`
	RideDate       string      `json:"ride_date"`
	RideTime       string      `json:"ride_time"`
	TotalSeats     int         `json:"total_seats"`
	AvailableSeats int         `json:"available_seats"`
	BasePrice      float64     `json:"base_price"`
	BookingType    BookingType `json:"booking_type"`
	Status         RideStatus  `json:"status"`
	RoutePolyline  string      `json:"route_polyline,omitempty"`
	CancelReason   string      `json:"cancel_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingApproved  BookingStatus = "APPROVED"
	BookingRejected  BookingStatus = "REJECTED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingCompleted BookingStatus = "COMPLETED"
)

func (s BookingStatus) Terminal() bool {
	return s == BookingRejected || s == BookingCancelled || s == BookingCompleted
}

type Booking struct {
	ID          string        `json:"booking_id"`
	RideID      string        `json:"ride_id"`
	RiderID     string        `json:"rider_id"`
	SeatsBooked int           `json:"seats_booked"`
	Amount      float64       `json:"amount"`
	Status      BookingStatus `json:"status"`
	PaymentRef  string        `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// LocationSample is one driver position report. Only the most recent sample
// per ride is retained; live delivery is best-effort.
type LocationSample struct {
	RideID     string    `json:"ride_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

type Rating struct {
	ID        string    `json:"rating_id"`
	RideID    string    `json:"ride_id"`
	RaterID   string    `json:"rater_id"`
	RateeID   string    `json:"ratee_id"`
	Value     int       `json:"value"` // 1..5
	Review    string    `json:"review,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RatingAggregate is the maintained per-user average.
type RatingAggregate struct {
	UserID  string  `json:"user_id"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}
