// Package ipc exposes the gateway's cron/goal/workflow state over a
// loopback-only HTTP surface. It is how a companion CLI
// or a local dashboard inspects and edits the personal-agent pipeline
// without going through a chat channel. Every route except /healthz
// requires the bearer token written alongside the listening port.
package ipc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kestrelrun/kestrel/internal/domain/cron"
	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/queue"
	"github.com/kestrelrun/kestrel/internal/domain/repository"
	"github.com/kestrelrun/kestrel/internal/domain/workflow"
	"github.com/kestrelrun/kestrel/internal/infrastructure/config"
	"github.com/kestrelrun/kestrel/internal/infrastructure/eventbus"
	"github.com/kestrelrun/kestrel/internal/infrastructure/monitoring"
	wsadapter "github.com/kestrelrun/kestrel/internal/interfaces/websocket"
)

// snapshotInterval is how often the /ws push surface emits a
// monitoring snapshot to connected clients.
const snapshotInterval = 5 * time.Second

// maxBodyBytes caps any request body the IPC surface accepts.
const maxBodyBytes = 64 * 1024

// Deps bundles the pipeline collaborators the IPC surface reads and
// mutates. Goals, Work, ClearSession, Events and Monitor are optional:
// goal endpoints answer 501 when Goals is nil, and the other routes
// skip the missing collaborator or report zero values.
type Deps struct {
	CronScheduler *cron.Scheduler
	CronStore     cron.Store
	WorkflowStore workflow.Store
	Workflow      *workflow.Engine
	Goals         repository.GoalRepository
	Work          *queue.Queue
	ClearSession  func(submitterKey string)
	Logger        *zap.Logger

	// Events, if set, is relayed to every connected /ws client as
	// MessageTypeEvent frames. Optional — nil disables the relay.
	Events eventbus.Bus
	// Monitor, if set, backs /metrics (Prometheus format) and the
	// periodic MessageTypeSnapshot frames pushed over /ws. Optional —
	// nil falls back to the bare queue-stats /metrics response.
	Monitor *monitoring.Monitor
}

// Server is the loopback IPC HTTP server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	token      string
	portFile   string
	logger     *zap.Logger

	hub     *wsadapter.Hub
	events  eventbus.Bus
	monitor *monitoring.Monitor
	cancel  context.CancelFunc
}

// New binds a loopback listener on an OS-assigned port, builds the
// gin router, and returns an unstarted Server. portFile is where
// {port, token, pid} is written (0600) once Start succeeds — callers
// outside the process read it to authenticate.
func New(deps Deps, portFile string) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("ipc: listen: %w", err)
	}

	token, err := randomToken()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("ipc: generate token: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(bodyLimit(maxBodyBytes))

	hub := wsadapter.NewHub(deps.Logger)
	h := &handlerSet{deps: deps, hub: hub}

	router.GET("/healthz", h.healthz)

	auth := router.Group("/")
	auth.Use(bearerAuth(token, deps.Logger))
	{
		auth.GET("/status", h.status)
		auth.GET("/metrics", h.metrics)
		auth.POST("/clear", h.clearSession)

		auth.GET("/crons", h.listCrons)
		auth.POST("/crons", h.addCron)
		auth.POST("/crons/:id/delete", h.deleteCron)
		auth.POST("/crons/:id/toggle", h.toggleCron)
		auth.POST("/crons/:id/run", h.runCron)

		auth.GET("/goals", h.listGoals)
		auth.POST("/goals", h.createGoal)
		auth.POST("/goals/:id/update", h.updateGoal)
		auth.POST("/goals/:id/delete", h.deleteGoal)
		auth.POST("/goals/:id/milestone-add", h.addMilestone)
		auth.POST("/goals/:id/milestone-complete", h.completeMilestone)

		auth.GET("/workflows", h.listWorkflows)
		auth.POST("/workflows", h.startWorkflow)
		auth.POST("/workflows/:id/cancel", h.cancelWorkflow)
		auth.POST("/workflows/:id/pause", h.pauseWorkflow)
		auth.POST("/workflows/:id/resume", h.resumeWorkflow)
	}

	// Browsers' WebSocket API can't set an Authorization header, so
	// /ws authenticates via the same bearer token passed as a query
	// parameter instead of the auth group's header check.
	router.GET("/ws", func(c *gin.Context) {
		if c.Query("token") != token {
			deps.Logger.Warn("ipc: unauthorized request",
				zap.String("peer", c.Request.RemoteAddr), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		wsadapter.NewHandler(hub, deps.Logger).ServeWS(c.Writer, c.Request)
	})

	return &Server{
		httpServer: &http.Server{Handler: router},
		listener:   listener,
		token:      token,
		portFile:   portFile,
		logger:     deps.Logger,
		hub:        hub,
		events:     deps.Events,
		monitor:    deps.Monitor,
	}, nil
}

// Start serves in the background and writes the port file.
func (s *Server) Start(ctx context.Context) error {
	port := s.listener.Addr().(*net.TCPAddr).Port
	if err := s.writePortFile(port); err != nil {
		return fmt.Errorf("ipc: write port file: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(runCtx)
	if s.events != nil {
		s.events.Subscribe(eventbus.TopicCronFired, s.relayEvent)
		s.events.Subscribe(eventbus.TopicWorkflowTransition, s.relayEvent)
	}
	if s.monitor != nil {
		go s.pushSnapshots(runCtx)
	}

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ipc: server error", zap.Error(err))
		}
	}()

	s.logger.Info("ipc: surface listening", zap.Int("port", port), zap.String("port_file", s.portFile))
	return nil
}

// relayEvent forwards an eventbus publication to every connected /ws
// client.
func (s *Server) relayEvent(ctx context.Context, ev eventbus.Event) {
	s.hub.Broadcast(&wsadapter.WSMessage{
		Type: wsadapter.MessageTypeEvent,
		Metadata: map[string]interface{}{
			"event_type": ev.Topic,
			"payload":    ev.Payload,
		},
	})
}

// pushSnapshots emits a monitoring snapshot to every /ws client on a
// fixed interval until ctx is cancelled.
func (s *Server) pushSnapshots(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.monitor.Snapshot()
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			var meta map[string]interface{}
			if err := json.Unmarshal(data, &meta); err != nil {
				continue
			}
			s.hub.Broadcast(&wsadapter.WSMessage{
				Type:     wsadapter.MessageTypeSnapshot,
				Metadata: meta,
			})
		}
	}
}

// Stop shuts the server down and removes the port file.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	_ = os.Remove(s.portFile)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writePortFile(port int) error {
	if err := os.MkdirAll(filepath.Dir(s.portFile), 0o755); err != nil {
		return err
	}
	payload := struct {
		Port  int    `json:"port"`
		Token string `json:"token"`
		PID   int    `json:"pid"`
	}{Port: port, Token: s.token, PID: os.Getpid()}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return os.WriteFile(s.portFile, data, 0o600)
}

// DefaultPortFilePath returns ~/.kestrel/.ipc-port, matching the rest
// of the config package's convention for per-user state.
func DefaultPortFilePath() string {
	return filepath.Join(config.HomeDir(), ".ipc-port")
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func bearerAuth(token string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") || strings.TrimPrefix(h, "Bearer ") != token {
			logger.Warn("ipc: unauthorized request",
				zap.String("peer", c.Request.RemoteAddr), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func bodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

type handlerSet struct {
	deps Deps
	hub  *wsadapter.Hub
}

func (h *handlerSet) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
}

// status returns a single JSON snapshot of queue depth, monitoring
// counters, and connected /ws client count — the companion CLI's
// "what's my agent doing right now" view.
func (h *handlerSet) status(c *gin.Context) {
	var stats queue.Stats
	if h.deps.Work != nil {
		stats = h.deps.Work.Stats()
	}
	resp := gin.H{
		"queue_in_flight": stats.InFlight,
		"queue_waiting":   stats.Waiting,
		"ws_clients":      h.hub.GetClientCount(),
	}
	if h.deps.Monitor != nil {
		resp["metrics"] = h.deps.Monitor.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlerSet) metrics(c *gin.Context) {
	if h.deps.Monitor != nil {
		h.deps.Monitor.PrometheusHandler().ServeHTTP(c.Writer, c.Request)
		return
	}
	var stats queue.Stats
	if h.deps.Work != nil {
		stats = h.deps.Work.Stats()
	}
	c.JSON(http.StatusOK, gin.H{
		"queue_in_flight": stats.InFlight,
		"queue_waiting":   stats.Waiting,
	})
}

func (h *handlerSet) clearSession(c *gin.Context) {
	var body struct {
		SubmitterKey string `json:"submitter_key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SubmitterKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "submitter_key required"})
		return
	}
	if h.deps.ClearSession != nil {
		h.deps.ClearSession(body.SubmitterKey)
	}
	c.JSON(http.StatusOK, gin.H{"cleared": body.SubmitterKey})
}

// ── Crons ──

func (h *handlerSet) listCrons(c *gin.Context) {
	jobs, err := h.deps.CronStore.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"crons": jobs})
}

func (h *handlerSet) addCron(c *gin.Context) {
	var job entity.CronJob
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if job.ID == "" {
		job.ID = randomID()
	}
	if err := h.deps.CronScheduler.Upsert(c.Request.Context(), &job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cron": job})
}

func (h *handlerSet) deleteCron(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.CronScheduler.Remove(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// runCron triggers a one-shot run of a job outside its schedule,
// going through the same overlap-protected fire path a tick would.
func (h *handlerSet) runCron(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.CronScheduler.RunNow(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggered": id})
}

func (h *handlerSet) toggleCron(c *gin.Context) {
	id := c.Param("id")
	enabled, err := h.deps.CronScheduler.Toggle(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
}

// ── Goals ──

func (h *handlerSet) requireGoals(c *gin.Context) bool {
	if h.deps.Goals == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "goals not configured"})
		return false
	}
	return true
}

func (h *handlerSet) listGoals(c *gin.Context) {
	if !h.requireGoals(c) {
		return
	}
	goals, err := h.deps.Goals.FindActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": goals})
}

func (h *handlerSet) createGoal(c *gin.Context) {
	if !h.requireGoals(c) {
		return
	}
	var goal entity.Goal
	if err := c.ShouldBindJSON(&goal); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if goal.ID == "" {
		goal.ID = randomID()
	}
	if goal.Status == "" {
		goal.Status = entity.GoalActive
	}
	if err := h.deps.Goals.Save(c.Request.Context(), &goal); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goal": goal})
}

func (h *handlerSet) updateGoal(c *gin.Context) {
	if !h.requireGoals(c) {
		return
	}
	id := c.Param("id")
	goal, err := h.deps.Goals.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var body struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Title != nil {
		goal.Title = *body.Title
	}
	if body.Description != nil {
		goal.Description = *body.Description
	}
	if body.Status != nil {
		goal.Status = entity.GoalStatus(*body.Status)
	}
	if err := h.deps.Goals.Save(c.Request.Context(), goal); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goal": goal})
}

func (h *handlerSet) deleteGoal(c *gin.Context) {
	if !h.requireGoals(c) {
		return
	}
	id := c.Param("id")
	if err := h.deps.Goals.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *handlerSet) addMilestone(c *gin.Context) {
	if !h.requireGoals(c) {
		return
	}
	id := c.Param("id")
	goal, err := h.deps.Goals.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title required"})
		return
	}
	goal.Milestones = append(goal.Milestones, entity.Milestone{
		ID:     randomID(),
		GoalID: goal.ID,
		Title:  body.Title,
	})
	if err := h.deps.Goals.Save(c.Request.Context(), goal); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goal": goal})
}

func (h *handlerSet) completeMilestone(c *gin.Context) {
	if !h.requireGoals(c) {
		return
	}
	id := c.Param("id")
	goal, err := h.deps.Goals.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var body struct {
		MilestoneID string `json:"milestone_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.MilestoneID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "milestone_id required"})
		return
	}
	found := false
	now := time.Now()
	for i := range goal.Milestones {
		if goal.Milestones[i].ID == body.MilestoneID {
			goal.Milestones[i].Done = true
			goal.Milestones[i].CompletedAt = &now
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "milestone not found"})
		return
	}
	if err := h.deps.Goals.Save(c.Request.Context(), goal); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"goal": goal})
}

// ── Workflows ──

func (h *handlerSet) listWorkflows(c *gin.Context) {
	workflows, err := h.deps.WorkflowStore.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (h *handlerSet) startWorkflow(c *gin.Context) {
	var wf entity.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if wf.ID == "" {
		wf.ID = randomID()
	}
	if err := h.deps.Workflow.Create(c.Request.Context(), &wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf})
}

func (h *handlerSet) cancelWorkflow(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Workflow.Cancel(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

func (h *handlerSet) pauseWorkflow(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Workflow.Pause(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": id})
}

func (h *handlerSet) resumeWorkflow(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Workflow.Resume(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": id})
}

func randomID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
