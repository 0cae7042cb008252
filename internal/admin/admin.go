// Package admin exposes the proxy's operational surface: cache inspection,
// process health, and Prometheus metrics. Grounded on jroosing-HydraDNS's
// internal/api package (gin.Engine + *http.Server wrapper, route-group
// registration style) and its gopsutil-backed health handler, generalized
// from HydraDNS's DNS-specific /stats route to this proxy's three debug
// routes (SPEC_FULL.md §6.2).
package admin

import (
	"context"
	"encoding/hex"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/parhelion/desyncproxy/internal/cache"
	"github.com/parhelion/desyncproxy/internal/metrics"
)

// Server is the admin HTTP surface: cache dump, health stats, and a
// Prometheus exposition endpoint, each read-only.
type Server struct {
	cache      *cache.Cache
	metrics    *metrics.Metrics
	startTime  time.Time
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the admin server bound to addr. startTime is the process start
// used for the /debug/health uptime field.
func New(addr string, c *cache.Cache, m *metrics.Metrics, startTime time.Time) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cache: c, metrics: m, startTime: startTime, engine: engine}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/debug/cache", s.debugCache)
	s.engine.GET("/debug/health", s.debugHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
}

// cacheEntryResponse is one row of the /debug/cache dump: the address key
// hex-encoded (it is a fixed-layout byte string, not printable text), the
// strategy index last known to work there, and its age since last use.
type cacheEntryResponse struct {
	Key        string  `json:"key"`
	Index      int     `json:"index"`
	AgeSeconds float64 `json:"age_seconds"`
}

// debugCache dumps the current strategy cache contents — the direct
// generalization of the teacher's DebugHandler, split out of one JSON blob
// into its own route since this cache is now the whole admin surface's
// concern, not one field alongside DNS-cache stats.
func (s *Server) debugCache(c *gin.Context) {
	snap := s.cache.Snapshot()
	entries := make([]cacheEntryResponse, 0, len(snap))
	now := time.Now()
	for k, e := range snap {
		entries = append(entries, cacheEntryResponse{
			Key:        hex.EncodeToString([]byte(k)),
			Index:      e.Index,
			AgeSeconds: now.Sub(e.LastUsed).Seconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	ActiveFlows   float64 `json:"active_flows"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	MemUsedPct    float64 `json:"mem_used_percent"`
	CPUUsedPct    float64 `json:"cpu_used_percent"`
}

// debugHealth reports process-level vitals sourced from gopsutil, the way
// jroosing-HydraDNS's Stats handler does for its own process.
func (s *Server) debugHealth(c *gin.Context) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		ActiveFlows:   activeFlowsGaugeValue(s.metrics),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedMB = float64(vm.Used) / 1024 / 1024
		resp.MemUsedPct = vm.UsedPercent
	}
	if pct, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pct) > 0 {
		resp.CPUUsedPct = pct[0]
	}
	c.JSON(http.StatusOK, resp)
}

// activeFlowsGaugeValue reads the current value out of a prometheus.Gauge
// the way promhttp itself does internally, since Gauge exposes no public
// getter — only Write into the wire protobuf shape.
func activeFlowsGaugeValue(m *metrics.Metrics) float64 {
	var pb dto.Metric
	if err := m.ActiveFlows.Write(&pb); err != nil {
		return 0
	}
	return pb.GetGauge().GetValue()
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}
