package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/schedd/internal/executor"
	"github.com/loykin/schedd/internal/metrics"
	"github.com/loykin/schedd/internal/registry"
	"github.com/loykin/schedd/internal/supervisor"
	"github.com/loykin/schedd/internal/workflow"
)

// Router exposes the admin HTTP API.
// Endpoints (under /api):
//
//	POST   /jobs                 body: JobSpec JSON
//	GET    /jobs
//	GET    /jobs/:id
//	DELETE /jobs/:id
//	POST   /jobs/:id/pause
//	POST   /jobs/:id/resume
//	POST   /jobs/:id/run        -> {"execution_id": ...}
//	GET    /jobs/:id/executions  query: limit=N
//	POST   /processes            body: supervisor Spec JSON
//	GET    /processes
//	GET    /processes/:id
//	DELETE /processes/:id
//	POST   /processes/:id/start
//	POST   /processes/:id/stop
//	POST   /processes/:id/restart
//	POST   /workflows            body: workflow Spec JSON
//	GET    /workflows
//	GET    /workflows/:id
//	DELETE /workflows/:id
//	POST   /workflows/:id/run   -> run result
//
// Plus GET /healthz and GET /metrics at the root.
type Router struct {
	exec *executor.Engine
	sup  *supervisor.Supervisor
	wf   *workflow.Engine
}

func NewRouter(exec *executor.Engine, sup *supervisor.Supervisor, wf *workflow.Engine) *Router {
	return &Router{exec: exec, sup: sup, wf: wf}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := g.Group("/api")
	jobs := api.Group("/jobs")
	jobs.POST("", r.handleAddJob)
	jobs.GET("", r.handleListJobs)
	jobs.GET("/:id", r.handleGetJob)
	jobs.DELETE("/:id", r.handleRemoveJob)
	jobs.POST("/:id/pause", r.handlePauseJob)
	jobs.POST("/:id/resume", r.handleResumeJob)
	jobs.POST("/:id/run", r.handleRunJob)
	jobs.GET("/:id/executions", r.handleExecutions)

	procs := api.Group("/processes")
	procs.POST("", r.handleAddProcess)
	procs.GET("", r.handleListProcesses)
	procs.GET("/:id", r.handleGetProcess)
	procs.DELETE("/:id", r.handleRemoveProcess)
	procs.POST("/:id/start", r.handleStartProcess)
	procs.POST("/:id/stop", r.handleStopProcess)
	procs.POST("/:id/restart", r.handleRestartProcess)

	wfs := api.Group("/workflows")
	wfs.POST("", r.handleAddWorkflow)
	wfs.GET("", r.handleListWorkflows)
	wfs.GET("/:id", r.handleGetWorkflow)
	wfs.DELETE("/:id", r.handleRemoveWorkflow)
	wfs.POST("/:id/run", r.handleRunWorkflow)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// fail maps domain errors to HTTP status codes.
func fail(c *gin.Context, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, registry.ErrJobNotFound),
		errors.Is(err, supervisor.ErrProcessNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound):
		code = http.StatusNotFound
	}
	c.JSON(code, errorResp{Error: err.Error()})
}

// --- jobs ---

func (r *Router) handleAddJob(c *gin.Context) {
	var spec registry.JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.exec.AddJob(c.Request.Context(), spec); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, okResp{OK: true})
}

func (r *Router) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, r.exec.Registry().List())
}

type jobResp struct {
	registry.JobSpec
	NextFire *time.Time `json:"next_fire,omitempty"`
	Running  int        `json:"running"`
}

func (r *Router) handleGetJob(c *gin.Context) {
	id := c.Param("id")
	spec, err := r.exec.Registry().Get(id)
	if err != nil {
		fail(c, err)
		return
	}
	resp := jobResp{JobSpec: spec, Running: r.exec.RunningCount(id)}
	if next, ok := r.exec.Registry().NextFire(id); ok {
		resp.NextFire = &next
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleRemoveJob(c *gin.Context) {
	if err := r.exec.RemoveJob(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePauseJob(c *gin.Context) {
	if err := r.exec.PauseJob(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResumeJob(c *gin.Context) {
	if err := r.exec.ResumeJob(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRunJob(c *gin.Context) {
	execID, err := r.exec.ExecuteNow(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

func (r *Router) handleExecutions(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	id := c.Param("id")
	if _, err := r.exec.Registry().Get(id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r.exec.History(id, limit))
}

// --- processes ---

func (r *Router) handleAddProcess(c *gin.Context) {
	var spec supervisor.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.sup.Add(spec); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, okResp{OK: true})
}

func (r *Router) handleListProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.List())
}

func (r *Router) handleGetProcess(c *gin.Context) {
	st, err := r.sup.Status(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (r *Router) handleRemoveProcess(c *gin.Context) {
	if err := r.sup.Remove(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStartProcess(c *gin.Context) {
	if err := r.sup.Start(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopProcess(c *gin.Context) {
	if err := r.sup.Stop(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestartProcess(c *gin.Context) {
	if err := r.sup.Restart(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

// --- workflows ---

func (r *Router) handleAddWorkflow(c *gin.Context) {
	var spec workflow.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.wf.Add(c.Request.Context(), spec); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, okResp{OK: true})
}

func (r *Router) handleListWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, r.wf.List())
}

type workflowResp struct {
	workflow.Spec
	LastResult *workflow.Result `json:"last_result,omitempty"`
}

func (r *Router) handleGetWorkflow(c *gin.Context) {
	spec, err := r.wf.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	resp := workflowResp{Spec: spec}
	if res, ok := r.wf.LastResult(spec.ID); ok {
		resp.LastResult = &res
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleRemoveWorkflow(c *gin.Context) {
	if err := r.wf.Remove(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRunWorkflow(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.wf.Get(id); err != nil {
		fail(c, err)
		return
	}
	res := r.wf.Run(c.Request.Context(), id)
	c.JSON(http.StatusOK, res)
}
