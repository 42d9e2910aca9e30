package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

//go:embed templates/*.tmpl
var embeddedFS embed.FS

const maxBookDepth = 1000

// BookProvider exposes the reconciled books. pipeline.Pool implements it.
type BookProvider interface {
	Pairs() []models.TradingPair
	Book(pair models.TradingPair, depth int) (models.BookView, bool)
}

// Server hosts the status API and the Prometheus endpoint.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	books             BookProvider
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
	started           time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, books BookProvider) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 20
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:               cfg,
		log:               log,
		books:             books,
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     handlerID,
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		resourceSampler:   newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, log),
		started:           time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl"))
	router.SetHTMLTemplate(tmpl)

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": s.refreshIntervalMs,
		})
	})
	router.GET("/healthz", s.handleHealth)
	router.GET("/api/pairs", s.handlePairs)
	router.GET("/api/books/:pair", s.handleBook)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/api/metrics", s.handleMetrics)
	router.GET("/api/logs", s.handleLogs)
	router.GET("/api/resources", s.handleResources)

	return router, nil
}

// handleHealth reports 200 once every followed book is live and 503 while
// any book is seeding or stale.
func (s *Server) handleHealth(c *gin.Context) {
	counts := map[string]int{}
	pairs := s.books.Pairs()
	for _, pair := range pairs {
		if view, ok := s.books.Book(pair, 1); ok {
			counts[view.State.String()]++
		}
	}

	status := http.StatusOK
	if counts[models.BookLive.String()] < len(pairs) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"pairs":  len(pairs),
		"states": counts,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePairs(c *gin.Context) {
	pairs := s.books.Pairs()
	payload := make([]gin.H, 0, len(pairs))
	for _, pair := range pairs {
		view, ok := s.books.Book(pair, 1)
		if !ok {
			continue
		}
		entry := gin.H{
			"pair":        view.Pair,
			"state":       view.State.String(),
			"sequence_id": view.SequenceID,
		}
		if !view.UpdatedAt.IsZero() {
			entry["updated_at"] = view.UpdatedAt.Format(time.RFC3339Nano)
		}
		if bid, ok := view.BestBid(); ok {
			entry["best_bid"] = bid.Price.String()
		}
		if ask, ok := view.BestAsk(); ok {
			entry["best_ask"] = ask.Price.String()
		}
		payload = append(payload, entry)
	}
	c.JSON(http.StatusOK, gin.H{"pairs": payload})
}

func (s *Server) handleBook(c *gin.Context) {
	pair := models.NormalizePair(c.Param("pair"))

	depth := s.cfg.BookDepth
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxBookDepth {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be between 1 and " + strconv.Itoa(maxBookDepth)})
			return
		}
		depth = n
	}

	view, ok := s.books.Book(pair, depth)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pair not followed: " + pair.String()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// filterFrom reads the optional component and pair query parameters.
func filterFrom(c *gin.Context) recordFilter {
	f := recordFilter{Component: c.Query("component")}
	if pair := c.Query("pair"); pair != "" {
		f.Pair = models.NormalizePair(pair).String()
	}
	return f
}

func (s *Server) handleMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot(filterFrom(c))
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"pair":      m.Pair,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

// handleLogs serves captured entries; level selects the least severe level
// returned and defaults to every level.
func (s *Server) handleLogs(c *gin.Context) {
	level := logrus.TraceLevel
	if raw := c.Query("level"); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		level = parsed
	}

	snapshot := s.logStore.snapshot(filterFrom(c), level)
	payload := make([]gin.H, 0, len(snapshot))
	for _, l := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": l.Timestamp.Format(time.RFC3339Nano),
			"level":     l.Level.String(),
			"component": l.Component,
			"pair":      l.Pair,
			"message":   l.Message,
			"fields":    l.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": payload})
}

func (s *Server) handleResources(c *gin.Context) {
	samples := s.resourceSampler.snapshot()
	payload := make([]gin.H, 0, len(samples))
	for _, r := range samples {
		payload = append(payload, gin.H{
			"timestamp":           r.Timestamp.Format(time.RFC3339Nano),
			"host_cpu_percent":    r.HostCPU,
			"host_memory_percent": r.HostMemoryPct,
			"memory_total":        r.MemoryTotal,
			"process_cpu_percent": r.ProcessCPU,
			"process_rss":         r.ProcessRSS,
			"goroutines":          r.Goroutines,
		})
	}
	c.JSON(http.StatusOK, gin.H{"resources": payload})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
