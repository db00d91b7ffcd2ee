// Package api exposes the orchestrator over HTTP: REST routes for the
// project-management entities, a status endpoint, and the framed
// WebSocket transport for live events and run output.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/falcon-pm/falcon/pkg/attribution"
	"github.com/falcon-pm/falcon/pkg/config"
	"github.com/falcon-pm/falcon/pkg/dispatch"
	"github.com/falcon-pm/falcon/pkg/killswitch"
	"github.com/falcon-pm/falcon/pkg/services"
	"github.com/falcon-pm/falcon/pkg/version"
)

// Services bundles the domain services the handlers delegate to.
type Services struct {
	Projects    *services.ProjectService
	Issues      *services.IssueService
	Agents      *services.AgentService
	Comments    *services.CommentService
	Labels      *services.LabelService
	Documents   *services.DocumentService
	Dispatcher  *dispatch.Dispatcher
	KillSwitch  *killswitch.Service
	Attribution *attribution.Engine
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	cfg       config.Server
	svc       Services
	transport *Transport
	http      *http.Server
}

// NewServer wires the routes and returns a server ready to Start.
func NewServer(cfg config.Server, svc Services, transport *Transport) *Server {
	s := &Server{cfg: cfg, svc: svc, transport: transport}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)

	authed := router.Group("/", s.requireToken)
	authed.GET("/ws", func(c *gin.Context) {
		s.transport.HandleConnection(c.Writer, c.Request)
	})

	api := authed.Group("/api")
	api.GET("/status", s.status)

	api.POST("/projects", s.createProject)
	api.GET("/projects", s.listProjects)
	api.GET("/projects/:id", s.getProject)
	api.PATCH("/projects/:id", s.renameProject)
	api.POST("/projects/:id/archive", s.archiveProject)
	api.DELETE("/projects/:id", s.deleteProject)

	api.GET("/projects/:id/issues", s.listIssues)
	api.POST("/projects/:id/issues", s.createIssue)
	api.GET("/issues/:id", s.getIssue)
	api.PATCH("/issues/:id", s.updateIssue)
	api.DELETE("/issues/:id", s.deleteIssue)
	api.POST("/issues/:id/advance", s.advanceIssue)
	api.POST("/issues/:id/start", s.startIssue)
	api.POST("/issues/:id/dispatch", s.dispatchIssue)
	api.POST("/issues/:id/cancel", s.cancelRun)
	api.POST("/issues/:id/findings", s.processFinding)

	api.GET("/issues/:id/comments", s.listComments)
	api.POST("/issues/:id/comments", s.addComment)

	api.GET("/projects/:id/labels", s.listLabels)
	api.POST("/projects/:id/labels", s.createLabel)
	api.PUT("/issues/:id/labels/:labelId", s.bindLabel)
	api.DELETE("/issues/:id/labels/:labelId", s.unbindLabel)

	api.GET("/issues/:id/documents", s.listDocuments)
	api.POST("/issues/:id/documents", s.attachDocument)
	api.PATCH("/documents/:id", s.updateDocument)

	api.GET("/projects/:id/agents", s.listAgents)
	api.POST("/projects/:id/agents", s.registerAgent)
	api.GET("/agents/:id", s.getAgent)
	api.POST("/agents/:id/activate", s.activateAgent)
	api.POST("/agents/:id/release", s.releaseAgent)

	api.GET("/projects/:id/killswitch", s.killSwitchStatus)
	api.POST("/projects/:id/killswitch/pause", s.pauseKillSwitch)
	api.POST("/projects/:id/killswitch/resume", s.resumeKillSwitch)

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket responses
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("API server listening", "addr", s.cfg.ListenAddr, "version", version.Full())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requireToken checks the bearer token from the Authorization header or,
// for WebSocket clients that cannot set headers, the token query param.
func (s *Server) requireToken(c *gin.Context) {
	token := ""
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else {
		token = c.Query("token")
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": version.Full(),
	})
}

// status reports the live pool and transport state, plus the kill-switch
// position when a project is named.
func (s *Server) status(c *gin.Context) {
	out := gin.H{
		"status":      "ok",
		"version":     version.Full(),
		"active_runs": s.svc.Dispatcher.ActiveRuns(),
		"connections": s.transport.ActiveConnections(),
	}
	if projectID := c.Query("project_id"); projectID != "" {
		ks, err := s.svc.KillSwitch.Status(c.Request.Context(), projectID)
		if err != nil {
			s.renderError(c, err)
			return
		}
		out["kill_switch"] = ks
	}
	c.JSON(http.StatusOK, out)
}
