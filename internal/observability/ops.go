package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notfolder/coding-agent/internal/async"
	"github.com/notfolder/coding-agent/internal/logging"
	"github.com/notfolder/coding-agent/internal/taskdb"
)

// TaskLister is the slice of the run store the read-only task endpoints use.
type TaskLister interface {
	List(ctx context.Context, f taskdb.Filter) ([]taskdb.Run, error)
	Get(ctx context.Context, uuid string) (taskdb.Run, bool, error)
}

// opsRun is the JSON shape one run is served as.
type opsRun struct {
	UUID         string     `json:"uuid"`
	Task         string     `json:"task"`
	UserName     string     `json:"user_name,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Hostname     string     `json:"hostname,omitempty"`
	LLMProvider  string     `json:"llm_provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	LLMCalls     int        `json:"llm_calls"`
	ToolCalls    int        `json:"tool_calls"`
	TotalTokens  int64      `json:"total_tokens"`
	Compressions int        `json:"compressions"`
	ErrorMessage string     `json:"error_message,omitempty"`
	IsResumed    bool       `json:"is_resumed"`
	ResumeCount  int        `json:"resume_count"`
}

func viewRun(r taskdb.Run) opsRun {
	return opsRun{
		UUID:         r.UUID,
		Task:         r.Key.String(),
		UserName:     r.UserName,
		Status:       string(r.Status),
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Hostname:     r.Hostname,
		LLMProvider:  r.LLMProvider,
		Model:        r.Model,
		LLMCalls:     r.LLMCalls,
		ToolCalls:    r.ToolCalls,
		TotalTokens:  r.TotalTokens,
		Compressions: r.Compressions,
		ErrorMessage: r.ErrorMessage,
		IsResumed:    r.IsResumed,
		ResumeCount:  r.ResumeCount,
	}
}

// opsServer serves /healthz, /metrics and the read-only run endpoints.
type opsServer struct {
	engine *gin.Engine
	server *http.Server
	db     TaskLister
	logger logging.Logger
}

func newOpsServer(addr string, db TaskLister, logger logging.Logger) *opsServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &opsServer{engine: engine, db: db, logger: logging.OrNop(logger)}
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/tasks", s.handleListTasks)
	engine.GET("/tasks/:uuid", s.handleGetTask)

	s.server = &http.Server{Addr: addr, Handler: engine}
	return s
}

func (s *opsServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *opsServer) handleListTasks(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run store not configured"})
		return
	}
	filter := taskdb.Filter{
		Status:   taskdb.Status(c.Query("status")),
		UserName: c.Query("user"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}
	runs, err := s.db.List(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("ops: list runs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]opsRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, viewRun(r))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (s *opsServer) handleGetTask(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run store not configured"})
		return
	}
	run, ok, err := s.db.Get(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		s.logger.Error("ops: get run %s: %v", c.Param("uuid"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such run"})
		return
	}
	c.JSON(http.StatusOK, viewRun(run))
}

func (s *opsServer) start() {
	async.Go(s.logger, "ops-server", func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server: %v", err)
		}
	})
}

func (s *opsServer) shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
