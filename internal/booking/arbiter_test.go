package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/locks"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/store"
)

func newTestArbiter(t *testing.T) (*Arbiter, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewArbiter(st, locks.NewKeyed(), nil, nil), st
}

func seedRide(t *testing.T, st *store.MemoryStore, seats int, bt models.BookingType) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:             "ride-" + string(bt),
		DriverID:       "driver",
		TotalSeats:     seats,
		AvailableSeats: seats,
		BookingType:    bt,
		Status:         models.RideActive,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := st.CreateRide(r); err != nil {
		t.Fatal(err)
	}
	return r
}

func availableSeats(t *testing.T, st *store.MemoryStore, rideID string) int {
	t.Helper()
	r, err := st.GetRide(rideID)
	if err != nil {
		t.Fatal(err)
	}
	return r.AvailableSeats
}

func TestCreateBooking_InstantScenario(t *testing.T) {
	// total_seats=4: A books 3 -> 1 left; B wants 2 -> fails; C wants 1 -> 0 left
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 4, models.BookingInstant)
	ctx := context.Background()

	bA, err := a.CreateBooking(ctx, ride.ID, "riderA", 3, 30)
	if err != nil {
		t.Fatalf("rider A: %v", err)
	}
	if bA.Status != models.BookingApproved {
		t.Fatalf("instant booking should be approved, got %s", bA.Status)
	}
	if got := availableSeats(t, st, ride.ID); got != 1 {
		t.Fatalf("available=%d, want 1", got)
	}

	if _, err := a.CreateBooking(ctx, ride.ID, "riderB", 2, 20); !errors.Is(err, ErrInsufficientSeats) {
		t.Fatalf("rider B: want ErrInsufficientSeats, got %v", err)
	}
	if got := availableSeats(t, st, ride.ID); got != 1 {
		t.Fatalf("failed booking mutated seats: available=%d", got)
	}

	if _, err := a.CreateBooking(ctx, ride.ID, "riderC", 1, 10); err != nil {
		t.Fatalf("rider C: %v", err)
	}
	if got := availableSeats(t, st, ride.ID); got != 0 {
		t.Fatalf("available=%d, want 0", got)
	}
}

func TestCreateBooking_RideNotBookable(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 2, models.BookingInstant)
	ride.Status = models.RideStarted
	if err := st.UpdateRide(ride); err != nil {
		t.Fatal(err)
	}
	if _, err := a.CreateBooking(context.Background(), ride.ID, "rider", 1, 10); !errors.Is(err, ErrRideNotBookable) {
		t.Fatalf("want ErrRideNotBookable, got %v", err)
	}
}

func TestCreateBooking_UnknownRide(t *testing.T) {
	a, _ := newTestArbiter(t)
	if _, err := a.CreateBooking(context.Background(), "nope", "rider", 1, 10); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCreateBooking_DriverCannotBookOwnRide(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 2, models.BookingInstant)
	if _, err := a.CreateBooking(context.Background(), ride.ID, "driver", 1, 10); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("want ErrNotAuthorized, got %v", err)
	}
}

func TestCreateBooking_ConcurrentInstantNeverOversells(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 5, models.BookingInstant)
	ctx := context.Background()

	const riders = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.CreateBooking(ctx, ride.ID, "rider-"+string(rune('a'+i)), 1, 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientSeats):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 5 || insufficient != riders-5 {
		t.Fatalf("succeeded=%d insufficient=%d, want 5/%d", succeeded, insufficient, riders-5)
	}
	if got := availableSeats(t, st, ride.ID); got != 0 {
		t.Fatalf("available=%d, want 0", got)
	}

	// conservation: total - sum(approved seats) == available
	bookings, _ := st.ListBookingsByRide(ride.ID)
	reserved := 0
	for _, b := range bookings {
		if b.Status == models.BookingApproved {
			reserved += b.SeatsBooked
		}
	}
	if reserved != ride.TotalSeats {
		t.Fatalf("reserved=%d, want %d", reserved, ride.TotalSeats)
	}
}

func TestApprovalFlow_PendingDoesNotReserveSeats(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 2, models.BookingApproval)
	ctx := context.Background()

	b, err := a.CreateBooking(ctx, ride.ID, "rider1", 2, 20)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.BookingPending {
		t.Fatalf("approval booking should be pending, got %s", b.Status)
	}
	if got := availableSeats(t, st, ride.ID); got != 2 {
		t.Fatalf("pending request reserved seats: available=%d", got)
	}
}

func TestDecideBooking_ApprovalOvershootScenario(t *testing.T) {
	// last seat requested twice: first approval wins, second fails, reject works
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 1, models.BookingApproval)
	ctx := context.Background()

	bX, err := a.CreateBooking(ctx, ride.ID, "riderX", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	bY, err := a.CreateBooking(ctx, ride.ID, "riderY", 1, 10)
	if err != nil {
		t.Fatal(err)
	}

	got, err := a.DecideBooking(ctx, bX.ID, DecisionApprove, "driver")
	if err != nil {
		t.Fatalf("approve X: %v", err)
	}
	if got.Status != models.BookingApproved {
		t.Fatalf("X status=%s", got.Status)
	}
	if avail := availableSeats(t, st, ride.ID); avail != 0 {
		t.Fatalf("available=%d, want 0", avail)
	}

	if _, err := a.DecideBooking(ctx, bY.ID, DecisionApprove, "driver"); !errors.Is(err, ErrInsufficientSeats) {
		t.Fatalf("approve Y: want ErrInsufficientSeats, got %v", err)
	}
	if avail := availableSeats(t, st, ride.ID); avail != 0 {
		t.Fatalf("failed approval mutated seats: available=%d", avail)
	}

	got, err = a.DecideBooking(ctx, bY.ID, DecisionReject, "driver")
	if err != nil {
		t.Fatalf("reject Y: %v", err)
	}
	if got.Status != models.BookingRejected {
		t.Fatalf("Y status=%s", got.Status)
	}
}

func TestDecideBooking_OnlyDriver(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 1, models.BookingApproval)
	b, err := a.CreateBooking(context.Background(), ride.ID, "rider", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.DecideBooking(context.Background(), b.ID, DecisionApprove, "stranger"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("want ErrNotAuthorized, got %v", err)
	}
}

func TestDecideBooking_AlreadyDecided(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 1, models.BookingApproval)
	ctx := context.Background()
	b, err := a.CreateBooking(ctx, ride.ID, "rider", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.DecideBooking(ctx, b.ID, DecisionReject, "driver"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.DecideBooking(ctx, b.ID, DecisionApprove, "driver"); !errors.Is(err, ErrBookingClosed) {
		t.Fatalf("want ErrBookingClosed, got %v", err)
	}
}

func TestCancelBooking_RestoresApprovedSeats(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 3, models.BookingInstant)
	ctx := context.Background()
	b, err := a.CreateBooking(ctx, ride.ID, "rider", 2, 20)
	if err != nil {
		t.Fatal(err)
	}
	if got := availableSeats(t, st, ride.ID); got != 1 {
		t.Fatalf("available=%d, want 1", got)
	}
	cancelled, err := a.CancelBooking(ctx, b.ID, "rider")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.BookingCancelled {
		t.Fatalf("status=%s", cancelled.Status)
	}
	if got := availableSeats(t, st, ride.ID); got != 3 {
		t.Fatalf("available=%d, want 3", got)
	}
}

func TestCancelBooking_PendingRestoresNothing(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 2, models.BookingApproval)
	ctx := context.Background()
	b, err := a.CreateBooking(ctx, ride.ID, "rider", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.CancelBooking(ctx, b.ID, "rider"); err != nil {
		t.Fatal(err)
	}
	if got := availableSeats(t, st, ride.ID); got != 2 {
		t.Fatalf("available=%d, want 2", got)
	}
}

func TestCancelBooking_OnlyOwner(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 2, models.BookingInstant)
	b, err := a.CreateBooking(context.Background(), ride.ID, "rider", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.CancelBooking(context.Background(), b.ID, "other"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("want ErrNotAuthorized, got %v", err)
	}
}

func TestCancelBooking_RejectedIsClosed(t *testing.T) {
	a, st := newTestArbiter(t)
	ride := seedRide(t, st, 1, models.BookingApproval)
	ctx := context.Background()
	b, err := a.CreateBooking(ctx, ride.ID, "rider", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.DecideBooking(ctx, b.ID, DecisionReject, "driver"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.CancelBooking(ctx, b.ID, "rider"); !errors.Is(err, ErrBookingClosed) {
		t.Fatalf("want ErrBookingClosed, got %v", err)
	}
}
