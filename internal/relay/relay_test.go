package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/store"
)

func newTestRelay(t *testing.T, status models.RideStatus) (*Relay, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	r := &models.Ride{
		ID:             "ride1",
		DriverID:       "driver",
		TotalSeats:     4,
		AvailableSeats: 2,
		Status:         status,
	}
	if err := st.CreateRide(r); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateBooking(&models.Booking{ID: "b1", RideID: "ride1", RiderID: "rider1", SeatsBooked: 1, Status: models.BookingApproved}); err != nil {
		t.Fatal(err)
	}
	rel := New(st, nil, 4)
	rel.OpenRide("ride1")
	return rel, st
}

func recvSample(t *testing.T, ch <-chan models.LocationSample) models.LocationSample {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sample")
	}
	return models.LocationSample{}
}

func TestPublish_NonDriverRejected(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	ctx := context.Background()
	if err := rel.PublishLocation(ctx, "ride1", "rider1", 1, 2); !errors.Is(err, ErrNotAuthorizedPublisher) {
		t.Fatalf("want ErrNotAuthorizedPublisher, got %v", err)
	}
	if _, err := rel.GetLastKnownLocation(ctx, "ride1"); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("rejected publish mutated retained sample: %v", err)
	}
}

func TestPublish_RejectedWhileNotStarted(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideActive)
	ctx := context.Background()
	if err := rel.PublishLocation(ctx, "ride1", "driver", 1, 2); !errors.Is(err, ErrNotAuthorizedPublisher) {
		t.Fatalf("want ErrNotAuthorizedPublisher, got %v", err)
	}
	if _, err := rel.GetLastKnownLocation(ctx, "ride1"); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("rejected publish mutated retained sample: %v", err)
	}
}

func TestLastKnown_NotYetAvailable(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	if _, err := rel.GetLastKnownLocation(context.Background(), "ride1"); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("want ErrNoLocation, got %v", err)
	}
}

func TestLateJoinerGetsRetainedSampleFirst(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	ctx := context.Background()

	if err := rel.PublishLocation(ctx, "ride1", "driver", 10, 20); err != nil {
		t.Fatal(err)
	}

	ch, err := rel.Join("ride1", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	got := recvSample(t, ch)
	if got.Lat != 10 || got.Lng != 20 {
		t.Fatalf("retained sample not delivered first: %+v", got)
	}

	// live samples follow in publish order
	if err := rel.PublishLocation(ctx, "ride1", "driver", 11, 21); err != nil {
		t.Fatal(err)
	}
	got = recvSample(t, ch)
	if got.Lat != 11 || got.Lng != 21 {
		t.Fatalf("live sample out of order: %+v", got)
	}
}

func TestFanOut_PublishOrderPerSubscriber(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	ctx := context.Background()

	ch, err := rel.Join("ride1", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if err := rel.PublishLocation(ctx, "ride1", "driver", float64(i), float64(i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= 3; i++ {
		got := recvSample(t, ch)
		if got.Lat != float64(i) {
			t.Fatalf("sample %d out of order: %+v", i, got)
		}
	}
}

func TestFanOut_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	ctx := context.Background()

	if _, err := rel.Join("ride1", "rider1"); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		// far more samples than the subscriber buffer holds
		for i := 0; i < 100; i++ {
			if err := rel.PublishLocation(ctx, "ride1", "driver", float64(i), 0); err != nil {
				t.Errorf("publish %d: %v", i, err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish path blocked on a slow subscriber")
	}

	// the retained sample is the backstop: it holds the latest value
	s, err := rel.GetLastKnownLocation(ctx, "ride1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Lat != 99 {
		t.Fatalf("retained sample=%v, want latest", s.Lat)
	}
}

func TestJoin_UnauthorizedUser(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	if _, err := rel.Join("ride1", "stranger"); !errors.Is(err, ErrNotSubscriber) {
		t.Fatalf("want ErrNotSubscriber, got %v", err)
	}
}

func TestLeave_Idempotent(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	ch, err := rel.Join("ride1", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	rel.Leave("ride1", "rider1")
	rel.Leave("ride1", "rider1")
	rel.Leave("ride1", "nobody")

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after leave")
	}
}

func TestCloseRide_ClosesSubscribersAndClearsRetained(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	ctx := context.Background()

	ch, err := rel.Join("ride1", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	if err := rel.PublishLocation(ctx, "ride1", "driver", 1, 2); err != nil {
		t.Fatal(err)
	}
	// drain the live copy before closing
	recvSample(t, ch)

	rel.CloseRide("ride1")

	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel should be closed")
	}
	if _, err := rel.GetLastKnownLocation(ctx, "ride1"); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("retained sample should be cleared, got %v", err)
	}
}

func TestJoin_DriverMaySubscribe(t *testing.T) {
	rel, _ := newTestRelay(t, models.RideStarted)
	if _, err := rel.Join("ride1", "driver"); err != nil {
		t.Fatalf("driver join: %v", err)
	}
}

// gatedLastKnown stalls Get until released and refuses writes, standing in
// for a laggy retained cell whose write path is down.
type gatedLastKnown struct {
	sample  models.LocationSample
	reading chan struct{}
	release chan struct{}
}

func (g *gatedLastKnown) Set(ctx context.Context, s models.LocationSample) error {
	return errors.New("cell unavailable")
}

func (g *gatedLastKnown) Get(ctx context.Context, rideID string) (*models.LocationSample, error) {
	close(g.reading)
	<-g.release
	cp := g.sample
	return &cp, nil
}

func (g *gatedLastKnown) Clear(ctx context.Context, rideID string) error { return nil }

func TestJoin_RetainedPrecedesConcurrentLiveSample(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.CreateRide(&models.Ride{ID: "ride1", DriverID: "driver", TotalSeats: 4, AvailableSeats: 2, Status: models.RideStarted}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateBooking(&models.Booking{ID: "b1", RideID: "ride1", RiderID: "rider1", SeatsBooked: 1, Status: models.BookingApproved}); err != nil {
		t.Fatal(err)
	}
	gate := &gatedLastKnown{
		sample:  models.LocationSample{RideID: "ride1", Lat: 1, Lng: 1},
		reading: make(chan struct{}),
		release: make(chan struct{}),
	}
	rel := New(st, gate, 4)
	rel.OpenRide("ride1")

	type joinResult struct {
		ch  <-chan models.LocationSample
		err error
	}
	res := make(chan joinResult, 1)
	go func() {
		ch, err := rel.Join("ride1", "rider1")
		res <- joinResult{ch, err}
	}()

	// a live sample lands while Join is stalled on the retained-cell read
	<-gate.reading
	if err := rel.PublishLocation(context.Background(), "ride1", "driver", 2, 2); err != nil {
		t.Fatal(err)
	}
	close(gate.release)

	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}
	got := recvSample(t, r.ch)
	if got.Lat != 1 {
		t.Fatalf("first delivered sample lat=%v, want the retained 1", got.Lat)
	}
}

func TestJoin_ClosedRideYieldsEndedStream(t *testing.T) {
	rel, st := newTestRelay(t, models.RideStarted)
	rel.CloseRide("ride1")
	r, err := st.GetRide("ride1")
	if err != nil {
		t.Fatal(err)
	}
	r.Status = models.RideCompleted
	if err := st.UpdateRide(r); err != nil {
		t.Fatal(err)
	}

	ch, err := rel.Join("ride1", "driver")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("stream for a closed ride should be ended")
	}
	rel.mu.RLock()
	_, exists := rel.rooms["ride1"]
	rel.mu.RUnlock()
	if exists {
		t.Fatal("join recreated the room for a closed ride")
	}
}
