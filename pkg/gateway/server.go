// Package gateway is the public HTTP surface of the control plane. It
// allocates and manages sandboxes through the fleet manager, bridges
// command execution to the in-sandbox runtime, and streams progress as
// server-sent events.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sandbox-fleet/fleetd/pkg/executor"
	"github.com/sandbox-fleet/fleetd/pkg/manager"
	"github.com/sandbox-fleet/fleetd/pkg/manager/config"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	"github.com/sandbox-fleet/fleetd/pkg/manager/lifecycle"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

type Server struct {
	engine       *gin.Engine
	server       *http.Server
	fleet        *manager.Fleet
	runtime      *executor.Client
	opts         config.Options
	executorPort int32
	track        lifecycle.Options
}

func NewServer(fleet *manager.Fleet, runtime *executor.Client, opts config.Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(setupCORS())
	engine.Use(requestContextMiddleware())

	s := &Server{
		engine:       engine,
		fleet:        fleet,
		runtime:      runtime,
		opts:         opts,
		executorPort: consts.ExecutorPort,
		track:        lifecycle.Options{ReadyTimeout: opts.PodReadyTimeout},
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", opts.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	// Open endpoints.
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api", adminKeyMiddleware(s.opts.AdminKey))
	api.POST("/sandboxes/allocate", s.allocate)
	api.POST("/sandboxes", s.create)
	api.GET("/sandboxes", s.list)
	api.GET("/sandboxes/:name", s.get)
	api.DELETE("/sandboxes/:name", s.delete)
	api.DELETE("/sandboxes", s.deleteAll)
	api.GET("/pool/status", s.poolStatus)
	api.POST("/sandboxes/:name/execute", s.execute)

	api.POST("/sandboxes/:name/mcp/start", s.mcpStart)
	api.POST("/sandboxes/:name/mcp", s.mcpCall)
	api.GET("/sandboxes/:name/mcp", s.mcpEvents)
	api.GET("/sandboxes/:name/mcp/status", s.mcpStatus)
	api.DELETE("/sandboxes/:name/mcp", s.mcpStop)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": consts.ManagerName,
		"time":    time.Now().UTC(),
	})
}

func (s *Server) Run() error {
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func setupCORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Cache-Control", "X-Content-Type-Options"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}
