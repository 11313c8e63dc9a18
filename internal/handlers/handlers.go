// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"guardstat-service/internal/analytics"
	"guardstat-service/internal/engine"
	"guardstat-service/internal/metrics"
	"guardstat-service/internal/models"
)

// maxOverviewDays верхняя граница limit для обзора хоста
const maxOverviewDays = 366

// SampleStore хранилище, в которое пишутся принятые отсчеты
type SampleStore interface {
	InsertSamples(ctx context.Context, samples []models.RawSample) error
	Ping(ctx context.Context) error
}

// Pinger зависимость, доступность которой показывает /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	engine    *engine.Engine
	store     SampleStore
	redis     Pinger
	logger    *zap.Logger
	startTime time.Time
}

// NewHandler создает новый обработчик; redis может быть nil
func NewHandler(eng *engine.Engine, st SampleStore, redis Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:    eng,
		store:     st,
		redis:     redis,
		logger:    logger,
		startTime: time.Now(),
	}
}

// NewRouter регистрирует маршруты API
func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthHandler).Methods("GET")
	router.HandleFunc("/samples/batch", h.BatchSamplesHandler).Methods("POST")
	router.HandleFunc("/baselines/rebuild", h.RebuildHandler).Methods("POST")
	router.HandleFunc("/hosts", h.HostsHandler).Methods("GET")
	router.HandleFunc("/hosts/{host}/days", h.DaysHandler).Methods("GET")
	router.HandleFunc("/hosts/{host}/days/{date}", h.DayHandler).Methods("GET")
	router.HandleFunc("/hosts/{host}/anomalies/{epoch}", h.AnomalyHandler).Methods("GET")
	router.HandleFunc("/anomalies", h.AnomaliesHandler).Methods("GET")
	router.HandleFunc("/live", h.LiveHandler).Methods("POST")
	return router
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := models.HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Store:     "ok",
		Redis:     "disabled",
		Uptime:    time.Since(h.startTime).String(),
	}
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		status.Status = "unhealthy"
		status.Store = "unavailable"
		code = http.StatusServiceUnavailable
	}
	if h.redis != nil {
		status.Redis = "connected"
		if err := h.redis.Ping(ctx); err != nil {
			status.Redis = "disconnected"
		}
	}

	h.respondJSON(w, status, code)
}

// BatchSamplesHandler обрабатывает POST /samples/batch - прием отсчетов счетчиков
func (h *Handler) BatchSamplesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/samples/batch"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var batch models.SamplesBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(batch.Samples) == 0 {
		h.fail(w, r, endpoint, "Empty batch", http.StatusBadRequest)
		return
	}
	for i, s := range batch.Samples {
		if err := validateSample(s); err != nil {
			h.fail(w, r, endpoint, fmt.Sprintf("sample %d: %v", i, err), http.StatusBadRequest)
			return
		}
	}

	if err := h.store.InsertSamples(r.Context(), batch.Samples); err != nil {
		h.logger.Error("failed to store samples", zap.Error(err))
		h.fail(w, r, endpoint, "Failed to store samples", http.StatusInternalServerError)
		return
	}
	metrics.SamplesIngested.Add(float64(len(batch.Samples)))

	h.ok(w, r, endpoint, map[string]int{"accepted": len(batch.Samples)})
}

// RebuildHandler обрабатывает POST /baselines/rebuild?mode=full|append - пересчет базовых линий
func (h *Handler) RebuildHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/baselines/rebuild"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	mode, err := engine.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.fail(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.engine.Rebuild(r.Context(), mode)
	if err != nil {
		h.logger.Error("rebuild failed", zap.String("mode", string(mode)), zap.Error(err))
		h.fail(w, r, endpoint, "Rebuild failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.ok(w, r, endpoint, report)
}

// HostsHandler обрабатывает GET /hosts - список хостов
func (h *Handler) HostsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/hosts"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	hosts, err := h.engine.Hosts(r.Context())
	if err != nil {
		h.fail(w, r, endpoint, "Failed to list hosts: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if hosts == nil {
		hosts = []string{}
	}

	h.ok(w, r, endpoint, map[string]interface{}{"hosts": hosts})
}

// DaysHandler обрабатывает GET /hosts/{host}/days?limit=N - сводки по последним дням
func (h *Handler) DaysHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/hosts/{host}/days"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	host := mux.Vars(r)["host"]
	if !h.requireHost(w, r, endpoint, host) {
		return
	}

	limit := engine.DefaultOverviewDays
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= maxOverviewDays {
			limit = n
		}
	}

	summaries, err := h.engine.Overview(r.Context(), host, limit)
	if err != nil {
		h.fail(w, r, endpoint, "Failed to build overview: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.ok(w, r, endpoint, map[string]interface{}{"host": host, "days": summaries})
}

// DayHandler обрабатывает GET /hosts/{host}/days/{date}?global=true - классифицированный день
func (h *Handler) DayHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/hosts/{host}/days/{date}"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	vars := mux.Vars(r)
	host, date := vars["host"], vars["date"]
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		h.fail(w, r, endpoint, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if !h.requireHost(w, r, endpoint, host) {
		return
	}
	known, err := h.engine.HasDate(r.Context(), host, date)
	if err != nil {
		h.fail(w, r, endpoint, "Failed to look up date: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !known {
		h.fail(w, r, endpoint, "Unknown date "+date, http.StatusNotFound)
		return
	}

	global, _ := strconv.ParseBool(r.URL.Query().Get("global"))

	day, err := h.engine.AnalyzeDay(r.Context(), host, date, global)
	var missing *analytics.MissingBaselineError
	if errors.As(err, &missing) {
		h.fail(w, r, endpoint, missing.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.fail(w, r, endpoint, "Analysis failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.ok(w, r, endpoint, map[string]interface{}{
		"day":     day,
		"summary": analytics.Summarize(day),
	})
}

// AnomalyHandler обрабатывает GET /hosts/{host}/anomalies/{epoch} - метка из журнала аномалий
func (h *Handler) AnomalyHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/hosts/{host}/anomalies/{epoch}"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	vars := mux.Vars(r)
	host := vars["host"]
	epoch, err := strconv.ParseInt(vars["epoch"], 10, 64)
	if err != nil || epoch <= 0 {
		h.fail(w, r, endpoint, "Invalid epoch", http.StatusBadRequest)
		return
	}

	label, ok, err := h.engine.AnomalyLabel(r.Context(), host, epoch)
	if err != nil {
		h.fail(w, r, endpoint, "Failed to read anomaly log: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		h.fail(w, r, endpoint, "No anomaly logged for "+models.AnomalyKey(host, epoch), http.StatusNotFound)
		return
	}

	h.ok(w, r, endpoint, map[string]interface{}{"host": host, "epoch": epoch, "label": label})
}

// AnomaliesHandler обрабатывает GET /anomalies - весь журнал аномалий
func (h *Handler) AnomaliesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/anomalies"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	entries, err := h.engine.Anomalies(r.Context())
	if err != nil {
		h.fail(w, r, endpoint, "Failed to read anomaly log: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.ok(w, r, endpoint, map[string]interface{}{"entries": entries})
}

// LiveHandler обрабатывает POST /live - живая проверка одного отсчета
func (h *Handler) LiveHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/live"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	var in models.LiveInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.fail(w, r, endpoint, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if in.Host == "" || in.Epoch <= 0 {
		h.fail(w, r, endpoint, "host and epoch are required", http.StatusBadRequest)
		return
	}

	res, err := h.engine.Live(r.Context(), in)
	var missing *analytics.MissingBaselineError
	if errors.As(err, &missing) {
		h.fail(w, r, endpoint, missing.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.fail(w, r, endpoint, "Live evaluation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.ok(w, r, endpoint, res)
}

func (h *Handler) requireHost(w http.ResponseWriter, r *http.Request, endpoint, host string) bool {
	ok, err := h.engine.HasHost(r.Context(), host)
	if err != nil {
		h.fail(w, r, endpoint, "Failed to look up host: "+err.Error(), http.StatusInternalServerError)
		return false
	}
	if !ok {
		h.fail(w, r, endpoint, "Unknown host "+host, http.StatusNotFound)
		return false
	}
	return true
}

// validateSample отрицательные счетчики допустимы: их обрабатывает правило сброса
func validateSample(s models.RawSample) error {
	if s.Host == "" {
		return errors.New("host is required")
	}
	if s.Epoch <= 0 {
		return errors.New("epoch must be positive")
	}
	if _, err := time.Parse(models.DateLayout, s.Date); err != nil {
		return fmt.Errorf("invalid date %q", s.Date)
	}
	return nil
}

func (h *Handler) ok(w http.ResponseWriter, r *http.Request, endpoint string, data interface{}) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, "200").Inc()
	h.respondJSON(w, data, http.StatusOK)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint, message string, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	h.respondError(w, message, status)
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
