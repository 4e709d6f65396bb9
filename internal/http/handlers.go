package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/notify"
	"github.com/example/ride-pooling/internal/pooling"
	"github.com/example/ride-pooling/internal/ratelimit"
	"github.com/example/ride-pooling/internal/storage"
)

// RiderHeader carries the rider identity set by the upstream gateway.
const RiderHeader = "X-Rider-ID"

type Server struct {
	Pooling *pooling.Service
	WSReg   *notify.WSRegistry
	Limiter *ratelimit.Limiter
	logger  *slog.Logger
	mux     *mux.Router
}

// NewServer builds the router. A nil limiter disables rate limiting.
func NewServer(svc *pooling.Service, wsreg *notify.WSRegistry, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Pooling: svc, WSReg: wsreg, Limiter: limiter, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/estimate", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payment-hold", s.handlePaymentHold).Methods(http.MethodPost)
	api.HandleFunc("/riders/me/preferences", s.handleGetPreferences).Methods(http.MethodGet)
	api.HandleFunc("/riders/me/preferences", s.handlePutPreferences).Methods(http.MethodPut)
	api.HandleFunc("/discounts/apply", s.handleApplyDiscount).Methods(http.MethodPost)

	api.HandleFunc("/pools", s.handleListPools).Methods(http.MethodGet)
	api.HandleFunc("/pools/stats", s.handlePoolStats).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}", s.handleGetPool).Methods(http.MethodGet)
	api.HandleFunc("/pools/{id}/status", s.handleUpdatePoolStatus).Methods(http.MethodPatch)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{rider_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	riderID, ok := requireRider(w, r)
	if !ok {
		return
	}
	var in pooling.NewRide
	if !decode(w, r, &in) {
		return
	}
	in.RiderID = riderID
	res, err := s.Pooling.CreateAndMatch(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	riderID, ok := requireRider(w, r)
	if !ok {
		return
	}
	f := storage.RideFilter{
		RiderID: riderID,
		Status:  models.RideStatus(r.URL.Query().Get("status")),
		Page:    pageFromQuery(r),
	}
	f.Page.Normalize()
	rides, total, err := s.Pooling.ListRides(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides, "total": total, "page": f.Page.Page, "limit": f.Page.Limit})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.ownRide(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.ownRide(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	updated, pg, err := s.Pooling.CancelMembership(r.Context(), ride.ID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pooling.MatchResult{Ride: updated, Pool: pg})
}

func (s *Server) handlePaymentHold(w http.ResponseWriter, r *http.Request) {
	riderID, ok := requireRider(w, r)
	if !ok {
		return
	}
	ride, err := s.Pooling.HoldPayment(r.Context(), mux.Vars(r)["id"], riderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	riderID, ok := requireRider(w, r)
	if !ok {
		return
	}
	prefs, err := s.Pooling.RiderPreferences(r.Context(), riderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	riderID, ok := requireRider(w, r)
	if !ok {
		return
	}
	var in pooling.PreferencesInput
	if !decode(w, r, &in) {
		return
	}
	prefs, err := s.Pooling.SetRiderPreferences(r.Context(), riderID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

type estimateRequest struct {
	Pickup       models.Coordinate `json:"pickup"`
	Dropoff      models.Coordinate `json:"dropoff"`
	Passengers   int               `json:"passengers"`
	AllowSharing *bool             `json:"allow_sharing"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	req := estimateRequest{Passengers: 1}
	if !decode(w, r, &req) {
		return
	}
	sharing := true
	if req.AllowSharing != nil {
		sharing = *req.AllowSharing
	}
	q, err := s.Pooling.EstimatePrice(r.Context(), req.Pickup, req.Dropoff, req.Passengers, sharing)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleApplyDiscount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price float64 `json:"price"`
		Code  string  `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Pooling.ApplyDiscount(req.Price, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	f := storage.PoolFilter{
		Status: models.PoolStatus(r.URL.Query().Get("status")),
		Page:   pageFromQuery(r),
	}
	f.Page.Normalize()
	pools, total, err := s.Pooling.ListPools(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": pools, "total": total, "page": f.Page.Page, "limit": f.Page.Limit})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Pooling.PoolStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pg, err := s.Pooling.GetPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pg)
}

func (s *Server) handleUpdatePoolStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.PoolStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "status is required"})
		return
	}
	pg, err := s.Pooling.UpdatePoolStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pg)
}

var upgrader = websocket.Upgrader{}

// handleWS only lets a rider subscribe to their own updates.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := requireRider(w, r)
	if !ok {
		return
	}
	if id != mux.Vars(r)["rider_id"] {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "cannot subscribe to another rider", RequestID: requestIDFromContext(r.Context())})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "rider_id", id, "err", err)
		return
	}
	s.WSReg.Add(id, conn)
	go func() {
		defer s.WSReg.Remove(id, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ownRide loads the ride in the path and hides rides of other riders.
func (s *Server) ownRide(w http.ResponseWriter, r *http.Request) (*models.RideRequest, bool) {
	riderID, ok := requireRider(w, r)
	if !ok {
		return nil, false
	}
	ride, err := s.Pooling.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if ride.RiderID != riderID {
		s.writeError(w, r, models.ErrNotFound)
		return nil, false
	}
	return ride, true
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidCoordinate),
		errors.Is(err, models.ErrInvalidPrice),
		errors.Is(err, models.ErrInvalidRide):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, pooling.ErrPaymentsDisabled),
		errors.Is(err, pooling.ErrPreferencesDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), RequestID: requestIDFromContext(r.Context())}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", body.RequestID, "err", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return false
	}
	return true
}

func requireRider(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(RiderHeader))
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + RiderHeader})
		return "", false
	}
	return id, true
}

func pageFromQuery(r *http.Request) storage.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return storage.Page{Page: page, Limit: limit}
}

func newID() string { return uuid.NewString() }
