// Package server exposes the comparison engine over HTTP: the
// dashboard API under /api/drive-comparativas, health and metrics
// endpoints, and a websocket status feed.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javier96ke/plazas/pkg/backend"
	"github.com/javier96ke/plazas/pkg/config"
	"github.com/javier96ke/plazas/pkg/engine"
	"github.com/javier96ke/plazas/pkg/httpx"
	"github.com/javier96ke/plazas/pkg/remote"
	"github.com/javier96ke/plazas/pkg/store"
	"github.com/javier96ke/plazas/pkg/watchdog"
)

var startTime = time.Now()

// Server holds the wired components behind the HTTP surface.
type Server struct {
	cfg      config.Config
	store    *store.PeriodStore
	index    *remote.Index
	engine   *engine.Engine
	backend  backend.Backend // may be nil
	watchdog *watchdog.Watchdog
	hub      *StatusHub
}

// New assembles a Server. be may be nil when acceleration is off.
func New(cfg config.Config, s *store.PeriodStore, ix *remote.Index, e *engine.Engine, be backend.Backend, wd *watchdog.Watchdog, hub *StatusHub) *Server {
	return &Server{
		cfg:      cfg,
		store:    s,
		index:    ix,
		engine:   e,
		backend:  be,
		watchdog: wd,
		hub:      hub,
	}
}

// Routes builds the full router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware(s.cfg.Port))

	api := router.PathPrefix("/api/drive-comparativas").Subrouter()
	api.HandleFunc("/comparar", s.handleComparar).Methods("GET")
	api.HandleFunc("/comparar-años", s.handleCompararAños).Methods("GET")
	api.HandleFunc("/periodos-disponibles", s.handlePeriodos).Methods("GET")
	api.HandleFunc("/periodos", s.handlePeriodos).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/cache-info", s.handleCacheInfo).Methods("GET")
	api.HandleFunc("/limpiar-cache", s.handleLimpiarCache).Methods("POST")
	api.HandleFunc("/recargar-arbol", s.handleRecargarArbol).Methods("POST")

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

// handleComparar compares two periods. Accepts both the compact form
// (year, periodo1, periodo2) and the cross-year form (year1, year2).
func (s *Server) handleComparar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	year1 := firstOf(q.Get("year1"), q.Get("year"))
	year2 := firstOf(q.Get("year2"), year1)
	p1 := q.Get("periodo1")
	p2 := q.Get("periodo2")
	filter := firstOf(q.Get("filtro_estado"), "Todos")

	if year1 == "" || p1 == "" || p2 == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			"Se requieren year, periodo1 y periodo2")
		return
	}

	y1, err1 := strconv.Atoi(year1)
	y2, err2 := strconv.Atoi(year2)
	m1, err3 := strconv.Atoi(p1)
	m2, err4 := strconv.Atoi(p2)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			"year, periodo1 y periodo2 deben ser numéricos")
		return
	}

	resp, err := s.engine.Compare(r.Context(), y1, m1, y2, m2, filter)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// handleCompararAños rolls up and compares two full years.
func (s *Server) handleCompararAños(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year1 := firstOf(q.Get("año1"), q.Get("year1"))
	year2 := firstOf(q.Get("año2"), q.Get("year2"))
	if year1 == "" || year2 == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Se requieren año1 y año2")
		return
	}
	y1, err1 := strconv.Atoi(year1)
	y2, err2 := strconv.Atoi(year2)
	if err1 != nil || err2 != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "año1 y año2 deben ser numéricos")
		return
	}

	resp, err := s.engine.CompareYears(r.Context(), y1, y2)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeriodos(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, s.engine.PeriodsAvailable())
}

// StatusResponse is the operational snapshot of the whole cache.
type StatusResponse struct {
	Status              string          `json:"status"`
	Motor               string          `json:"motor"`
	AñoActual           int             `json:"año_actual_local"`
	AñosDisponibles     int             `json:"años_disponibles"`
	Backend             backend.Stats   `json:"backend"`
	IndiceCargado       bool            `json:"indice_drive_cargado"`
	PeriodosProtegidos  int             `json:"periodos_locales_protegidos"`
	PeriodosHistoricos  int             `json:"periodos_historicos"`
	WatchdogActivo      bool            `json:"watchdog_activo"`
	Watchdog            watchdog.Status `json:"watchdog"`
	Timestamp           string          `json:"timestamp"`
}

func (s *Server) statusSnapshot() StatusResponse {
	var beStats backend.Stats
	motor := "memoria"
	if s.backend != nil {
		beStats = s.backend.Stats()
		motor = s.cfg.Backend
	}
	_, prot, hist := s.store.Counts()

	return StatusResponse{
		Status:             "operational",
		Motor:              motor,
		AñoActual:          s.cfg.CurrentYear,
		AñosDisponibles:    len(s.engine.PeriodsAvailable().Years),
		Backend:            beStats,
		IndiceCargado:      s.index.Loaded(),
		PeriodosProtegidos: prot,
		PeriodosHistoricos: hist,
		WatchdogActivo:     s.watchdog != nil && s.watchdog.Running(),
		Watchdog:           s.watchdogStatus(),
		Timestamp:          time.Now().Format(time.RFC3339),
	}
}

func (s *Server) watchdogStatus() watchdog.Status {
	if s.watchdog == nil {
		return watchdog.Status{}
	}
	return s.watchdog.Monitor().Status()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, s.statusSnapshot())
}

// cacheEntry decorates a backend result with display labels.
type cacheEntry struct {
	backend.ResultInfo
	Key1Label string `json:"key1_label"`
	Key2Label string `json:"key2_label"`
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	info := s.engine.ResultInfo()
	entries := make([]cacheEntry, 0, len(info))
	for _, ri := range info {
		entries = append(entries, cacheEntry{
			ResultInfo: ri,
			Key1Label:  ri.Key1.String(),
			Key2Label:  ri.Key2.String(),
		})
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"cache":  entries,
		"total":  len(entries),
	})
}

func (s *Server) handleLimpiarCache(w http.ResponseWriter, r *http.Request) {
	results := s.engine.ClearCaches()
	periods := 0
	if s.backend != nil {
		periods = s.backend.EvictLRU(0, s.cfg.CurrentYear)
	}
	s.store.EvictLRU(0)
	_, prot, _ := s.store.Counts()

	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status":                "success",
		"resultados_eliminados": results,
		"periodos_eliminados":   periods,
		"periodos_protegidos":   prot,
		"mensaje":               "Cache limpiado; dataset local intacto",
	})
}

func (s *Server) handleRecargarArbol(w http.ResponseWriter, r *http.Request) {
	if err := s.index.Reload(); err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"entradas": s.index.Len(),
		"mensaje":  "Índice remoto recargado",
	})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Uptime   string          `json:"uptime"`
	Watchdog watchdog.Status `json:"watchdog"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.watchdog == nil || s.watchdog.Monitor().IsHealthy()
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:   status,
		Version:  "1.0.0",
		Uptime:   time.Since(startTime).String(),
		Watchdog: s.watchdogStatus(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httpx.RespondErrorString(w, http.StatusNotImplemented, "websocket no disponible")
		return
	}
	s.hub.HandleUpgrade(w, r)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// corsMiddleware restricts cross-origin access to localhost origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowedOrigins := []string{
				fmt.Sprintf("http://localhost:%s", port),
				fmt.Sprintf("http://127.0.0.1:%s", port),
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
