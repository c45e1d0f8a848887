// Package api exposes the control surface of the engine: deployment
// lifecycle, the manual strategy operations, and read-only views over
// positions and the order journal. The websocket stream hub is mounted
// under the same server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/trademaven/algoengine/internal/journal"
	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/models"
	"github.com/trademaven/algoengine/internal/registry"
	"github.com/trademaven/algoengine/internal/strategy"
)

// Deployment pairs the pieces needed to (re)start one configured
// deployment through the runner.
type Deployment struct {
	Spec   strategy.Spec
	Record models.DeploymentRecord
}

// Config carries the listen address and optional extras.
type Config struct {
	Addr          string
	AuthToken     string
	EnableMetrics bool
	Gatherer      prometheus.Gatherer
}

type Server struct {
	router      *chi.Mux
	server      *http.Server
	runner      *strategy.Runner
	registry    *registry.Registry
	market      *market.Data
	journal     *journal.Journal
	engines     strategy.EngineProvider
	stream      http.Handler
	logger      *logrus.Logger
	addr        string
	authToken   string
	deployments map[string]Deployment
}

// NewServer builds the router. journal and stream may be nil; the
// corresponding routes then answer 404 / are not mounted.
func NewServer(cfg Config, runner *strategy.Runner, reg *registry.Registry, mkt *market.Data, jrnl *journal.Journal, engines strategy.EngineProvider, streamHub http.Handler, deployments map[string]Deployment, logger *logrus.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		runner:      runner,
		registry:    reg,
		market:      mkt,
		journal:     jrnl,
		engines:     engines,
		stream:      streamHub,
		logger:      logger,
		addr:        cfg.Addr,
		authToken:   cfg.AuthToken,
		deployments: deployments,
	}

	s.setupRoutes(cfg)
	return s
}

func (s *Server) setupRoutes(cfg Config) {
	s.router.Use(middleware.Recoverer)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)

	if cfg.EnableMetrics {
		g := cfg.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		s.router.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	if s.stream != nil {
		// Long-lived connections; kept outside the request timeout.
		s.router.Handle("/ws", s.stream)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/deployments", s.handleListDeployments)
		r.Get("/positions", s.handleGetPositions)
		r.Get("/orders", s.handleGetOrders)
		r.Post("/market", s.handleMarketUpdate)
		r.Post("/square-off", s.handleSquareOff)

		r.Route("/deployments/{id}", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)

			r.Post("/exit-leg", s.handleExitLeg)
			r.Post("/reentry", s.handleReentry)
			r.Post("/shift", s.handleShift)
			r.Post("/shift-strike", s.handleShiftStrike)
			r.Post("/hold", s.handleHold)
			r.Post("/release-hold", s.handleReleaseHold)

			r.Post("/users", s.handleUserJoin)
			r.Delete("/users/{user}", s.handleUserLeave)

			r.Post("/straddle/place", s.handleStraddlePlace)
			r.Post("/straddle/exit", s.handleStraddleExit)
			r.Post("/straddle/modify-to-cost", s.handleStraddleModifyToCost)
			r.Post("/straddle/update", s.handleStraddleUpdate)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	s.logger.Infof("Starting api server on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// PositionPublisher receives periodic position snapshot frames; the
// stream hub implements it.
type PositionPublisher interface {
	PublishPositions([]models.PositionSnapshot)
}

// BroadcastPositions pushes the live position snapshot through pub on
// every interval until ctx is cancelled.
func (s *Server) BroadcastPositions(ctx context.Context, pub PositionPublisher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pub.PublishPositions(s.snapshotPositions())
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeOK(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.WithError(err).Warn("Request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

type deploymentView struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Running bool   `json:"running"`
	Users   int    `json:"users"`
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	running := map[string]bool{}
	for _, id := range s.runner.Running() {
		running[id] = true
	}

	views := make([]deploymentView, 0, len(s.deployments))
	for id, d := range s.deployments {
		users := len(d.Record.UserParams)
		if rec, ok := s.registry.Deployment(id); ok {
			users = len(rec.UserParams)
		}
		views = append(views, deploymentView{
			ID:      id,
			Kind:    d.Spec.Kind.String(),
			Running: running[id],
			Users:   users,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, ok := s.deployments[id]
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("unknown deployment "+id))
		return
	}
	if err := s.runner.Deploy(r.Context(), id, d.Spec, d.Record); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.runner.Stop(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeOK(w)
}

type legRequest struct {
	Index      int     `json:"index"`
	OptionType string  `json:"option_type"`
	Points     float64 `json:"points"`
}

func (s *Server) deltaShift(w http.ResponseWriter, r *http.Request) (*strategy.DeltaShift, bool) {
	ds, err := s.runner.DeltaShift(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return ds, true
}

func parseOptionType(raw string) (models.OptionType, error) {
	t := models.OptionType(raw)
	if !t.Valid() {
		return "", errors.New("option_type must be CE or PE")
	}
	return t, nil
}

func (s *Server) handleExitLeg(w http.ResponseWriter, r *http.Request) {
	var req legRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	optType, err := parseOptionType(req.OptionType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ds, ok := s.deltaShift(w, r)
	if !ok {
		return
	}
	if err := ds.ExitLeg(r.Context(), req.Index, optType); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleReentry(w http.ResponseWriter, r *http.Request) {
	var req legRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ds, ok := s.deltaShift(w, r)
	if !ok {
		return
	}
	if err := ds.Reentry(r.Context(), req.Index); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleShift(w http.ResponseWriter, r *http.Request) {
	var req legRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ds, ok := s.deltaShift(w, r)
	if !ok {
		return
	}
	if err := ds.Shift(r.Context(), req.Index); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleShiftStrike(w http.ResponseWriter, r *http.Request) {
	var req legRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	optType, err := parseOptionType(req.OptionType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Points == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("points must be non-zero"))
		return
	}

	ds, ok := s.deltaShift(w, r)
	if !ok {
		return
	}
	if err := ds.ShiftSingleStrike(r.Context(), req.Index, optType, req.Points); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var req legRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ds, ok := s.deltaShift(w, r)
	if !ok {
		return
	}
	ds.Hold(req.Index)
	s.writeOK(w)
}

func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	var req legRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ds, ok := s.deltaShift(w, r)
	if !ok {
		return
	}
	ds.ReleaseHold(req.Index)
	s.writeOK(w)
}

func (s *Server) handleUserJoin(w http.ResponseWriter, r *http.Request) {
	var user models.UserParams
	if err := decode(r, &user); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if user.User == "" || user.Broker == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("user and broker are required"))
		return
	}
	if user.Quantity <= 0 && len(user.QuantityMultiple) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("quantity is required"))
		return
	}

	ds, ok := s.deltaShift(w, r)
	if !ok {
		return
	}
	if err := ds.UserEntry(r.Context(), user); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleUserLeave(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "user")

	ds, ok := s.deltaShift(w, r)
	if !ok {
		return
	}
	if err := ds.ExitUserAlgo(r.Context(), username); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) straddle(w http.ResponseWriter, r *http.Request) (*strategy.Straddle, bool) {
	st, err := s.runner.Straddle(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return st, true
}

type straddleRequest struct {
	Index           int     `json:"index"`
	StopLossPercent float64 `json:"sl_percent"`
	CEStrike        float64 `json:"ce_strike"`
	PEStrike        float64 `json:"pe_strike"`
}

func (s *Server) handleStraddlePlace(w http.ResponseWriter, r *http.Request) {
	var req straddleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.StopLossPercent <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("sl_percent must be positive"))
		return
	}

	st, ok := s.straddle(w, r)
	if !ok {
		return
	}
	if err := st.PlaceStraddle(r.Context(), req.Index, req.StopLossPercent, req.CEStrike, req.PEStrike); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleStraddleExit(w http.ResponseWriter, r *http.Request) {
	var req straddleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	st, ok := s.straddle(w, r)
	if !ok {
		return
	}
	if err := st.ExitOrder(r.Context(), req.Index); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleStraddleModifyToCost(w http.ResponseWriter, r *http.Request) {
	var req straddleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	st, ok := s.straddle(w, r)
	if !ok {
		return
	}
	if err := st.ModifyToCost(r.Context(), req.Index); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleStraddleUpdate(w http.ResponseWriter, r *http.Request) {
	st, ok := s.straddle(w, r)
	if !ok {
		return
	}
	if err := st.UpdatePosition(r.Context()); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeOK(w)
}

type squareOffRequest struct {
	User   string `json:"user"`
	Broker string `json:"broker"`
	Market bool   `json:"market"`
}

// handleSquareOff flattens every open position of one user's account,
// regardless of which deployment produced it.
func (s *Server) handleSquareOff(w http.ResponseWriter, r *http.Request) {
	var req squareOffRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.User == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("user is required"))
		return
	}

	eng, err := s.engines.ForUser(r.Context(), models.UserParams{User: req.User, Broker: req.Broker})
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	results, err := eng.SquareOffAll(r.Context(), req.Market)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

// oiSeriesCap bounds the retained open-interest history.
const oiSeriesCap = 500

type marketUpdate struct {
	Chain  []models.Instrument `json:"chain"`
	Spot   float64             `json:"spot"`
	Expiry time.Time           `json:"expiry"`
	OI     *models.OISample    `json:"oi_sample"`
}

// handleMarketUpdate ingests one feeder push. The engine holds market
// state in process, so the external feeder delivers snapshots here.
func (s *Server) handleMarketUpdate(w http.ResponseWriter, r *http.Request) {
	var upd marketUpdate
	if err := decode(r, &upd); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if len(upd.Chain) > 0 {
		s.market.SetChain(market.ChainSnapshot(upd.Chain))
	}
	if upd.Spot > 0 {
		s.market.SetSpot(upd.Spot)
	}
	if !upd.Expiry.IsZero() {
		s.market.SetExpiry(upd.Expiry)
	}
	if upd.OI != nil {
		series := append(s.market.OISeries(), *upd.OI)
		if len(series) > oiSeriesCap {
			series = series[len(series)-oiSeriesCap:]
		}
		s.market.SetOISeries(series)
	}
	s.writeOK(w)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.snapshotPositions())
}

func (s *Server) snapshotPositions() []models.PositionSnapshot {
	chain := s.market.Chain()
	now := time.Now()

	out := []models.PositionSnapshot{}
	for id := range s.registry.Deployments() {
		hold := s.registry.TickHold(id)

		for idx, leg := range s.registry.LegAssignments(id) {
			snap := models.PositionSnapshot{
				DeploymentID: id,
				Index:        idx,
				Hold:         hold,
				Timestamp:    now,
			}
			if leg.Open(models.OptionCE) {
				snap.CESymbol = leg.CETradingSymbol
			}
			if leg.Open(models.OptionPE) {
				snap.PESymbol = leg.PETradingSymbol
			}
			if row, ok := chain.BySymbol(snap.CESymbol); ok {
				snap.CEDelta, snap.CESigma = row.Delta, row.Sigma
			}
			if row, ok := chain.BySymbol(snap.PESymbol); ok {
				snap.PEDelta, snap.PESigma = row.Delta, row.Sigma
			}
			out = append(out, snap)
		}

		for idx, pos := range s.registry.StraddlePositions(id) {
			if pos.Exited {
				continue
			}
			snap := models.PositionSnapshot{
				DeploymentID: id,
				Index:        idx,
				Hold:         hold,
				Timestamp:    now,
			}
			if !pos.CEExited {
				snap.CESymbol = pos.CETradingSymbol
			}
			if !pos.PEExited {
				snap.PESymbol = pos.PETradingSymbol
			}
			if row, ok := chain.BySymbol(snap.CESymbol); ok {
				snap.CEDelta, snap.CESigma = row.Delta, row.Sigma
			}
			if row, ok := chain.BySymbol(snap.PESymbol); ok {
				snap.PEDelta, snap.PESigma = row.Delta, row.Sigma
			}
			out = append(out, snap)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeploymentID != out[j].DeploymentID {
			return out[i].DeploymentID < out[j].DeploymentID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	var (
		entries []journal.Entry
		err     error
	)
	if id := r.URL.Query().Get("deployment"); id != "" {
		entries, err = s.journal.ByDeployment(r.Context(), id, limit)
	} else {
		entries, err = s.journal.Recent(r.Context(), limit)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to query order journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, entries)
}
