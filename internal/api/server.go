// Package api serves the telemetry surface: host capabilities, the kernel
// registration table, and on-demand benchmark runs against the executor.
// It never touches training state owned by callers.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gradbits/internal/logger"
	"github.com/samcharles93/gradbits/pkg/device"
	"github.com/samcharles93/gradbits/pkg/ops"
)

type Server struct {
	store   *RunStore
	exec    *device.Executor
	version string
	log     logger.Logger
	clock   func() time.Time
}

func NewServer(store *RunStore, exec *device.Executor, version string, log logger.Logger) *Server {
	if store == nil {
		store = NewRunStore()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		store:   store,
		exec:    exec,
		version: version,
		log:     log,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/env", s.handleEnv)
	e.GET("/v1/kinds", s.handleKinds)
	e.POST("/v1/runs", s.handleCreateRun)
	e.GET("/v1/runs/:id", s.handleGetRun)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnv(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, EnvResponse{
		Version: s.version,
		Workers: s.exec.Workers(),
		AVX2:    ops.HasAVX2(),
		DTypes:  []string{ops.F32.String(), ops.F16.String()},
	})
}

func (s *Server) handleKinds(c *echo.Context) error {
	combos := ops.Combos()
	kinds := make([]KindInfo, 0, len(combos))
	for _, combo := range combos {
		kinds = append(kinds, KindInfo{
			Engine: combo.Engine.String(),
			Kind:   combo.Kind.String(),
			DType:  combo.DType.String(),
		})
	}
	return writeJSON(c, http.StatusOK, kinds)
}

func (s *Server) handleCreateRun(c *echo.Context) error {
	req, err := decodeJSON[RunRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	req, err = normalizeRunRequest(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	run := s.store.Create(req, s.clock())
	s.log.Info("run started", "id", run.ID, "kind", req.Kind, "elems", req.Elems)
	go s.runBench(run.ID, req)

	return writeJSON(c, http.StatusAccepted, map[string]string{
		"id":     run.ID,
		"status": run.Status,
	})
}

func (s *Server) handleGetRun(c *echo.Context) error {
	id := c.Param("id")
	run, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "no run "+id)
	}
	return writeJSON(c, http.StatusOK, run)
}

func (s *Server) runBench(id string, req RunRequest) {
	res, err := bench(s.exec, req)
	s.store.finish(id, res, err, s.clock())
	if err != nil {
		s.log.Error("run failed", "id", id, "error", err)
		return
	}
	s.log.Info("run finished", "id", id, "seconds", res.Seconds)
}
