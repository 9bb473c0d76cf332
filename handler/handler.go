// Package handler provides the HTTP handlers for the sync server.
//
// Every storage area the server hosts is exposed under /areas/{area}. The
// routes mirror the Store interface so a store.RemoteStore can use a server
// area as its backing store, and each area keeps a changelog that remote
// stores poll for change notifications.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/stevemurr/tabsync/logging"
	"github.com/stevemurr/tabsync/metrics"
	"github.com/stevemurr/tabsync/quota"
	"github.com/stevemurr/tabsync/store"
)

// maxBodySize bounds request bodies. It is well above the sync quota so
// oversized writes reach the quota check and get a precise error.
const maxBodySize = 8 << 20

// UsageResponse is returned by the usage endpoint.
type UsageResponse struct {
	Area  string `json:"area"`
	Items int    `json:"items"`
	Bytes int    `json:"bytes"`
}

// Handler holds the server dependencies and registers routes.
type Handler struct {
	areas   map[string]*area
	handler http.Handler
	logger  *logrus.Logger
	origins []string
	gather  prometheus.Gatherer
	logSize int
	metrics handlerMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type area struct {
	store store.Store
	log   *changelog
}

type handlerMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Changes  *prometheus.CounterVec
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for errors and the access log.
func WithLogger(l *logrus.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithAllowedOrigins enables CORS for the given origins. "*" allows any
// origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) { h.origins = origins }
}

// WithGatherer serves the metrics of g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gather = g }
}

// WithChangelogSize sets how many change sets are kept per area.
func WithChangelogSize(n int) Option {
	return func(h *Handler) { h.logSize = n }
}

// New creates a Handler serving the given areas and wires up all routes.
// The handler subscribes to every store until Close is called.
func New(areas map[string]store.Store, opts ...Option) *Handler {
	h := &Handler{
		areas: make(map[string]*area, len(areas)),
		metrics: handlerMetrics{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by route, method and status code.",
			}, []string{"route", "method", "code"}),
			Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latencies by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method", "code"}),
			Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "api",
				Name:      "changelog_records_total",
				Help:      "Change sets recorded in the changelog, by area.",
			}, []string{"area"}),
		},
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = logrus.New()
		h.logger.SetOutput(io.Discard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	for name, s := range areas {
		a := &area{store: s, log: newChangelog(h.logSize)}
		h.areas[name] = a
		h.record(ctx, name, a)
	}

	h.routes()
	return h
}

// record appends every change set of the area store to its changelog.
func (h *Handler) record(ctx context.Context, name string, a *area) {
	c, stop := a.store.Subscribe(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer stop()
		for cs := range c {
			h.metrics.Changes.WithLabelValues(name).Inc()
			seq := a.log.append(cs)
			h.logger.WithFields(logrus.Fields{
				"area":   name,
				"seq":    seq,
				"origin": cs.Origin,
				"keys":   len(cs.Changes),
			}).Debug("change recorded")
		}
	}()
}

// Close stops recording changes. The area stores are not closed.
func (h *Handler) Close() error {
	h.cancel()
	h.wg.Wait()
	return nil
}

func (h *Handler) Metrics() []prometheus.Collector {
	return metrics.PrometheusCollectorsFromFields(h.metrics)
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	router.Use(h.instrument)

	// Health / status
	router.HandleFunc("/", h.root).Methods(http.MethodGet)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if h.gather != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Areas
	router.HandleFunc("/areas", h.listAreas).Methods(http.MethodGet)
	router.HandleFunc("/areas/{area}/entries", h.withArea(h.getAll)).Methods(http.MethodGet)
	router.HandleFunc("/areas/{area}/entries", h.withArea(h.set)).Methods(http.MethodPut)
	router.HandleFunc("/areas/{area}/entries", h.withArea(h.clear)).Methods(http.MethodDelete)
	router.HandleFunc("/areas/{area}/entries/get", h.withArea(h.get)).Methods(http.MethodPost)
	router.HandleFunc("/areas/{area}/entries/remove", h.withArea(h.remove)).Methods(http.MethodPost)
	router.HandleFunc("/areas/{area}/changes", h.withArea(h.changes)).Methods(http.MethodGet)
	router.HandleFunc("/areas/{area}/usage", h.withArea(h.usage)).Methods(http.MethodGet)

	chain := handlers.RecoveryHandler(
		handlers.RecoveryLogger(h.logger),
		handlers.PrintRecoveryStack(false),
	)(router)
	chain = logging.NewHTTPAccessLogHandler(h.logger, logrus.DebugLevel, "api access")(chain)
	if len(h.origins) > 0 {
		chain = handlers.CORS(
			handlers.AllowedOrigins(h.origins),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type", store.ClientIDHeader}),
		)(chain)
	}
	h.handler = chain
}

// instrument counts requests by route template.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cr := mux.CurrentRoute(r); cr != nil {
			if t, err := cr.GetPathTemplate(); err == nil {
				route = t
			}
		}
		labels := prometheus.Labels{"route": route}
		promhttp.InstrumentHandlerDuration(
			h.metrics.Duration.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(h.metrics.Requests.MustCurryWith(labels), next),
		).ServeHTTP(w, r)
	})
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, store.ErrorResponse{Detail: msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

// writeStoreError maps a store error to its HTTP status. Quota errors carry
// the exceeded limit so clients can rebuild a *quota.ExceededError.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var qe *quota.ExceededError
	switch {
	case errors.As(err, &qe):
		status := http.StatusRequestEntityTooLarge
		if qe.Limit == quota.LimitWriteRate {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, store.ErrorResponse{
			Detail: qe.Error(),
			Limit:  qe.Limit,
			Key:    qe.Key,
			Size:   qe.Size,
			Max:    qe.Max,
		})
	case errors.Is(err, store.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"uri":    r.URL.RequestURI(),
		}).Error("store operation failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type areaHandlerFunc func(w http.ResponseWriter, r *http.Request, name string, a *area)

// withArea resolves the {area} route variable.
func (h *Handler) withArea(fn areaHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["area"]
		a, ok := h.areas[name]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown area: "+name)
			return
		}
		fn(w, r, name, a)
	}
}

// writeContext tags writes with the client id of the request.
func writeContext(r *http.Request) context.Context {
	ctx := r.Context()
	if id := strings.TrimSpace(r.Header.Get(store.ClientIDHeader)); id != "" {
		ctx = store.WithOrigin(ctx, id)
	}
	return ctx
}

// ---------- status ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "tabsync",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) listAreas(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.areas))
	for name := range h.areas {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string][]string{"areas": names})
}

// ---------- entries ----------

func (h *Handler) getAll(w http.ResponseWriter, r *http.Request, _ string, a *area) {
	entries, err := a.store.GetAll(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, _ string, a *area) {
	var req store.KeysRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entries, err := a.store.Get(r.Context(), req.Keys...)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = map[string]json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) set(w http.ResponseWriter, r *http.Request, _ string, a *area) {
	var entries map[string]json.RawMessage
	if err := readJSON(w, r, &entries); err != nil || entries == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object of entries")
		return
	}
	if err := a.store.Set(writeContext(r), entries); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request, _ string, a *area) {
	var req store.KeysRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.store.Remove(writeContext(r), req.Keys...); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request, _ string, a *area) {
	if err := a.store.Clear(writeContext(r)); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- changes ----------

func (h *Handler) changes(w http.ResponseWriter, r *http.Request, _ string, a *area) {
	since := int64(-1)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, a.log.since(since))
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request, name string, a *area) {
	items, bytes, err := store.Usage(r.Context(), a.store)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Area: name, Items: items, Bytes: bytes})
}
