package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateVehicle(v *models.Vehicle) error {
	_, err := p.db.Exec(`INSERT INTO vehicles(id, driver_id, model, plate, seats) VALUES($1,$2,$3,$4,$5)`,
		v.ID, v.DriverID, v.Model, v.Plate, v.Seats)
	return err
}

func (p *PostgresStore) GetVehicle(id string) (*models.Vehicle, error) {
	var v models.Vehicle
	err := p.db.QueryRow(`SELECT id, driver_id, model, plate, seats FROM vehicles WHERE id=$1`, id).
		Scan(&v.ID, &v.DriverID, &v.Model, &v.Plate, &v.Seats)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *PostgresStore) CreateRide(r *models.Ride) error {
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO rides(
			id, driver_id, vehicle_id, source_label, source_lat, source_lng,
			dest_label, dest_lat, dest_lng, stops, ride_date, ride_time,
			total_seats, available_seats, base_price, booking_type, status,
			route_polyline, cancel_reason, created_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.DriverID, r.VehicleID, r.Source.Label, r.Source.Lat, r.Source.Lng,
		r.Destination.Label, r.Destination.Lat, r.Destination.Lng, stops, r.RideDate, r.RideTime,
		r.TotalSeats, r.AvailableSeats, r.BasePrice, string(r.BookingType), string(r.Status),
		r.RoutePolyline, r.CancelReason, r.CreatedAt, r.UpdatedAt)
	return err
}

const rideColumns = `id, driver_id, vehicle_id, source_label, source_lat, source_lng,
	dest_label, dest_lat, dest_lng, stops, ride_date, ride_time,
	total_seats, available_seats, base_price, booking_type, status,
	route_polyline, cancel_reason, created_at, updated_at`

func scanRide(row interface{ Scan(...any) error }) (*models.Ride, error) {
	var r models.Ride
	var stops []byte
	err := row.Scan(
		&r.ID, &r.DriverID, &r.VehicleID, &r.Source.Label, &r.Source.Lat, &r.Source.Lng,
		&r.Destination.Label, &r.Destination.Lat, &r.Destination.Lng, &stops, &r.RideDate, &r.RideTime,
		&r.TotalSeats, &r.AvailableSeats, &r.BasePrice, &r.BookingType, &r.Status,
		&r.RoutePolyline, &r.CancelReason, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(stops) > 0 {
		if err := json.Unmarshal(stops, &r.Stops); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRow(`SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	res, err := p.db.Exec(`UPDATE rides SET available_seats=$1, status=$2, cancel_reason=$3, updated_at=$4 WHERE id=$5`,
		r.AvailableSeats, string(r.Status), r.CancelReason, time.Now(), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRidesByDriver(driverID string) ([]*models.Ride, error) {
	rows, err := p.db.Query(`SELECT `+rideColumns+` FROM rides WHERE driver_id=$1 ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func (p *PostgresStore) ListRidesByRider(riderID string) ([]*models.Ride, error) {
	rows, err := p.db.Query(`SELECT DISTINCT `+rideColumns+`
		FROM rides JOIN bookings ON bookings.ride_id = rides.id
		WHERE bookings.rider_id=$1 ORDER BY created_at DESC`, riderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func collectRides(rows *sql.Rows) ([]*models.Ride, error) {
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateBooking(b *models.Booking) error {
	_, err := p.db.Exec(`INSERT INTO bookings(id, ride_id, rider_id, seats_booked, amount, status, payment_ref, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.RideID, b.RiderID, b.SeatsBooked, b.Amount, string(b.Status), b.PaymentRef, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) GetBooking(id string) (*models.Booking, error) {
	var b models.Booking
	err := p.db.QueryRow(`SELECT id, ride_id, rider_id, seats_booked, amount, status, payment_ref, created_at, updated_at
		FROM bookings WHERE id=$1`, id).
		Scan(&b.ID, &b.RideID, &b.RiderID, &b.SeatsBooked, &b.Amount, &b.Status, &b.PaymentRef, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresStore) UpdateBooking(b *models.Booking) error {
	res, err := p.db.Exec(`UPDATE bookings SET status=$1, payment_ref=$2, updated_at=$3 WHERE id=$4`,
		string(b.Status), b.PaymentRef, time.Now(), b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListBookingsByRide(rideID string) ([]*models.Booking, error) {
	rows, err := p.db.Query(`SELECT id, ride_id, rider_id, seats_booked, amount, status, payment_ref, created_at, updated_at
		FROM bookings WHERE ride_id=$1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Booking
	for rows.Next() {
		var b models.Booking
		if err := rows.Scan(&b.ID, &b.RideID, &b.RiderID, &b.SeatsBooked, &b.Amount, &b.Status, &b.PaymentRef, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRating(rt *models.Rating) error {
	_, err := p.db.Exec(`INSERT INTO ratings(id, ride_id, rater_id, ratee_id, value, review, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		rt.ID, rt.RideID, rt.RaterID, rt.RateeID, rt.Value, rt.Review, rt.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) HasRating(rideID, raterID, rateeID string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM ratings WHERE ride_id=$1 AND rater_id=$2 AND ratee_id=$3)`,
		rideID, raterID, rateeID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) GetRatingAggregate(userID string) (models.RatingAggregate, error) {
	agg := models.RatingAggregate{UserID: userID}
	err := p.db.QueryRow(`SELECT COALESCE(AVG(value),0), COUNT(*) FROM ratings WHERE ratee_id=$1`, userID).
		Scan(&agg.Average, &agg.Count)
	return agg, err
}
