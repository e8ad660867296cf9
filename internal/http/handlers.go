package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/lifecycle"
	"github.com/example/carpool/internal/locks"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/notify"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/presence"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/relay"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/store"
)

type Server struct {
	Store     store.Store
	Arbiter   *booking.Arbiter
	Lifecycle *lifecycle.Manager
	Relay     *relay.Relay
	Presence  *presence.Tracker
	Ratings   *rating.Gate
	Routing   routing.Client // optional

	sessions *wsRegistry
	logger   *slog.Logger
	mux      *mux.Router
}

// NewServer wires the core from config with sensible fallbacks: memory store
// without PG_DSN, in-process last-known cell without REDIS_ADDR, dropped
// events without KAFKA_BROKERS.
func NewServer(cfg config.ServerConfig) *Server {
	logger := logging.NewLogger(cfg.LogLevel)

	var st store.Store
	if cfg.PGDSN != "" {
		if ps, err := store.NewPostgresStore(cfg.PGDSN); err == nil {
			st = ps
		} else {
			logger.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	var last relay.LastKnown
	if cfg.RedisAddr != "" {
		last = relay.NewRedisLastKnown(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	var events notify.Publisher = notify.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		events = notify.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var gw payments.Gateway
	if cfg.StripeAPIKey != "" {
		gw = payments.NewStripeGateway(cfg.StripeAPIKey)
	}

	var rc routing.Client
	if cfg.RoutingEndpoint != "" {
		rc = routing.NewOSRMClient(cfg.RoutingEndpoint)
	}

	rideLock := locks.NewKeyed()
	rel := relay.New(st, last, cfg.RelayBuffer)
	s := &Server{
		Store:     st,
		Arbiter:   booking.NewArbiter(st, rideLock, events, gw),
		Lifecycle: lifecycle.NewManager(st, rideLock, rel, events, gw),
		Relay:     rel,
		Presence:  presence.NewTracker(),
		Ratings:   rating.NewGate(st, events),
		Routing:   rc,
		sessions:  newWSRegistry(),
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/vehicles", s.handleCreateVehicle).Methods("POST")
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStartRide).Methods("PATCH")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods("PATCH")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods("PATCH")
	api.HandleFunc("/rides/{ride_id}/location", s.handleGetLocation).Methods("GET")
	api.HandleFunc("/bookings/{booking_id}/decision", s.handleDecideBooking).Methods("PATCH")
	api.HandleFunc("/bookings/{booking_id}/cancel", s.handleCancelBooking).Methods("PATCH")
	api.HandleFunc("/ratings", s.handleSubmitRating).Methods("POST")
	api.HandleFunc("/ratings/check", s.handleCheckRating).Methods("GET")
	api.HandleFunc("/users/{user_id}/rating", s.handleUserRating).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func actorID(r *http.Request) string { return r.Header.Get("X-User-ID") }

func (s *Server) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, booking.ErrNotAuthorized)
		return
	}
	var req struct {
		Model string `json:"model"`
		Plate string `json:"plate"`
		Seats int    `json:"seats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seats <= 0 {
		writeError(w, booking.ErrBadRequest)
		return
	}
	v := &models.Vehicle{ID: uuid.NewString(), DriverID: actor, Model: req.Model, Plate: req.Plate, Seats: req.Seats}
	if err := s.Store.CreateVehicle(v); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type createRideRequest struct {
	VehicleID     string             `json:"vehicle_id"`
	Source        models.Address     `json:"source"`
	Destination   models.Address     `json:"destination"`
	Stops         []models.Stop      `json:"stops"`
	RideDate      string             `json:"ride_date"`
	RideTime      string             `json:"ride_time"`
	TotalSeats    int                `json:"total_seats"`
	BasePrice     float64            `json:"base_price"`
	BookingType   models.BookingType `json:"booking_type"`
	RoutePolyline string             `json:"route_polyline"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, booking.ErrNotAuthorized)
		return
	}
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, booking.ErrBadRequest)
		return
	}
	if req.TotalSeats <= 0 || req.BasePrice < 0 {
		writeError(w, booking.ErrBadRequest)
		return
	}
	if req.BookingType != models.BookingInstant && req.BookingType != models.BookingApproval {
		writeError(w, booking.ErrBadRequest)
		return
	}
	if req.VehicleID != "" {
		v, err := s.Store.GetVehicle(req.VehicleID)
		if err != nil {
			writeError(w, err)
			return
		}
		if v.DriverID != actor {
			writeError(w, booking.ErrNotAuthorized)
			return
		}
		if req.TotalSeats > v.Seats {
			writeError(w, booking.ErrBadRequest)
			return
		}
	}

	now := time.Now()
	ride := &models.Ride{
		ID:             uuid.NewString(),
		DriverID:       actor,
		VehicleID:      req.VehicleID,
		Source:         req.Source,
		Destination:    req.Destination,
		Stops:          req.Stops,
		RideDate:       req.RideDate,
		RideTime:       req.RideTime,
		TotalSeats:     req.TotalSeats,
		AvailableSeats: req.TotalSeats,
		BasePrice:      req.BasePrice,
		BookingType:    req.BookingType,
		Status:         models.RideActive,
		RoutePolyline:  req.RoutePolyline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ride.RoutePolyline == "" && s.Routing != nil {
		if poly, err := s.Routing.RoutePolyline(ride.Source.Coord, ride.Destination.Coord); err == nil {
			ride.RoutePolyline = poly
		}
	}
	if err := s.Store.CreateRide(ride); err != nil {
		writeError(w, err)
		return
	}
	observability.RidesActive.Inc()
	writeJSON(w, http.StatusCreated, ride)
}

type bookingView struct {
	*models.Booking
	RiderOnline bool `json:"rider_online"`
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Store.GetRide(mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"ride": ride}
	// the driver's view includes the roster, annotated with presence
	if actorID(r) == ride.DriverID {
		bookings, err := s.Store.ListBookingsByRide(ride.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]bookingView, 0, len(bookings))
		for _, b := range bookings {
			views = append(views, bookingView{Booking: b, RiderOnline: s.Presence.IsOnline(b.RiderID)})
		}
		resp["bookings"] = views
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		rides []*models.Ride
		err   error
	)
	switch {
	case q.Get("driver_id") != "":
		rides, err = s.Store.ListRidesByDriver(q.Get("driver_id"))
	case q.Get("rider_id") != "":
		rides, err = s.Store.ListRidesByRider(q.Get("rider_id"))
	default:
		writeError(w, booking.ErrBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, booking.ErrNotAuthorized)
		return
	}
	var req struct {
		Seats  int     `json:"seats"`
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, booking.ErrBadRequest)
		return
	}
	b, err := s.Arbiter.CreateBooking(r.Context(), mux.Vars(r)["ride_id"], actor, req.Seats, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleDecideBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision booking.Decision `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, booking.ErrBadRequest)
		return
	}
	b, err := s.Arbiter.DecideBooking(r.Context(), mux.Vars(r)["booking_id"], req.Decision, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Arbiter.CancelBooking(r.Context(), mux.Vars(r)["booking_id"], actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	if err := s.Lifecycle.Start(r.Context(), mux.Vars(r)["ride_id"], actorID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.RideStarted)})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	riders, err := s.Lifecycle.Complete(r.Context(), mux.Vars(r)["ride_id"], actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(models.RideCompleted), "riders": riders})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.Lifecycle.Cancel(r.Context(), mux.Vars(r)["ride_id"], actorID(r), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.RideCancelled)})
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	sample, err := s.Relay.GetLastKnownLocation(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, booking.ErrNotAuthorized)
		return
	}
	var req struct {
		RideID  string `json:"ride_id"`
		RateeID string `json:"ratee_id"`
		Value   int    `json:"value"`
		Review  string `json:"review"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, rating.ErrBadRequest)
		return
	}
	rt, agg, err := s.Ratings.SubmitRating(r.Context(), req.RideID, actor, req.RateeID, req.Value, req.Review)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rating": rt, "aggregate": agg})
}

func (s *Server) handleCheckRating(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rated, err := s.Ratings.CheckRated(r.Context(), q.Get("ride_id"), q.Get("rater_id"), q.Get("ratee_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rated": rated})
}

func (s *Server) handleUserRating(w http.ResponseWriter, r *http.Request) {
	agg, err := s.Ratings.Aggregate(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	name, status := classifyError(err)
	writeJSON(w, status, map[string]string{"error": name, "message": err.Error()})
}

func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, booking.ErrInsufficientSeats):
		return "InsufficientSeats", http.StatusConflict
	case errors.Is(err, booking.ErrRideNotBookable):
		return "RideNotBookable", http.StatusConflict
	case errors.Is(err, booking.ErrBookingClosed):
		return "BookingClosed", http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "InvalidTransition", http.StatusConflict
	case errors.Is(err, rating.ErrAlreadyRated):
		return "AlreadyRated", http.StatusConflict
	case errors.Is(err, rating.ErrNotEligible):
		return "NotEligible", http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrNotAuthorized), errors.Is(err, lifecycle.ErrNotAuthorized):
		return "NotAuthorized", http.StatusForbidden
	case errors.Is(err, relay.ErrNotAuthorizedPublisher):
		return "NotAuthorizedPublisher", http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, relay.ErrNoLocation):
		return "NotFound", http.StatusNotFound
	case errors.Is(err, booking.ErrBadRequest), errors.Is(err, rating.ErrBadRequest):
		return "BadRequest", http.StatusBadRequest
	default:
		return "Internal", http.StatusInternalServerError
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
