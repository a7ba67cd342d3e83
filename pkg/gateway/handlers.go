package gateway

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/sandbox-fleet/fleetd/pkg/executor"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"github.com/sandbox-fleet/fleetd/pkg/manager/kube"
	"github.com/sandbox-fleet/fleetd/pkg/manager/lifecycle"
)

type allocateRequest struct {
	UserID string `json:"userID"`
	Kind   string `json:"kind,omitempty"`
}

type createRequest struct {
	UserID     string `json:"userID"`
	Kind       string `json:"kind,omitempty"`
	PoolStatus string `json:"poolStatus,omitempty"`
	Image      string `json:"image,omitempty"`
}

// allocate hands out a sandbox, preferring the warm pool. A warm hit streams
// a single ready event; an empty pool falls back to an on-demand pod whose
// whole startup is streamed. A full pool is reported as capacity exhaustion.
func (s *Server) allocate(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorValidation, "invalid request body: %v", err))
		return
	}
	if req.Kind == "" {
		req.Kind = consts.KindExecutor
	}
	p, err := s.fleet.PoolFor(req.Kind)
	if err != nil {
		abortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	sbx, err := p.AllocateWarm(ctx, req.UserID)
	if err == nil {
		stream := newEventStream(c)
		info := sbx.Info()
		_ = stream.send(lifecycle.Ready(&info, 0))
		return
	}
	if !fleeterrors.IsCode(err, fleeterrors.ErrorNoWarm) {
		abortWithError(c, err)
		return
	}

	created, err := p.CreateOnDemand(ctx, req.UserID, consts.PoolStatusAllocated, "")
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.streamLifecycle(c, created.Name)
}

// create provisions a sandbox outside the warm path and streams its startup.
func (s *Server) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorValidation, "invalid request body: %v", err))
		return
	}
	if req.Kind == "" {
		req.Kind = consts.KindExecutor
	}
	if req.PoolStatus == "" {
		req.PoolStatus = consts.PoolStatusManual
		if req.Kind == consts.KindMCP {
			req.PoolStatus = consts.PoolStatusMCP
		}
	}
	p, err := s.fleet.PoolFor(req.Kind)
	if err != nil {
		abortWithError(c, err)
		return
	}

	created, err := p.CreateOnDemand(c.Request.Context(), req.UserID, req.PoolStatus, req.Image)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.streamLifecycle(c, created.Name)
}

// streamLifecycle relays startup events for the named sandbox until the
// tracker emits its terminal event or the client disconnects.
func (s *Server) streamLifecycle(c *gin.Context, name string) {
	stream := newEventStream(c)
	events := s.fleet.Tracker().Track(c.Request.Context(), name, s.track)
	for evt := range events {
		if err := stream.send(evt); err != nil {
			// Client went away; the request context cancels the tracker.
			return
		}
	}
}

func (s *Server) list(c *gin.Context) {
	sandboxes, err := s.fleet.ListSandboxes()
	if err != nil {
		abortWithError(c, err)
		return
	}
	infos := make([]kube.Info, 0, len(sandboxes))
	for _, sbx := range sandboxes {
		infos = append(infos, sbx.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	c.JSON(http.StatusOK, gin.H{"sandboxes": infos, "total": len(infos)})
}

func (s *Server) get(c *gin.Context) {
	name := c.Param("name")
	sbx, found, err := s.fleet.GetSandbox(c.Request.Context(), name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !found {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorNotFound, "sandbox [%s] not found", name))
		return
	}
	c.JSON(http.StatusOK, sbx.Info())
}

func (s *Server) delete(c *gin.Context) {
	if err := s.fleet.DeleteSandbox(c.Request.Context(), c.Param("name")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteAll(c *gin.Context) {
	deleted, err := s.fleet.DeleteAllSandboxes(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) poolStatus(c *gin.Context) {
	statuses, err := s.fleet.PoolStatus(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pools": statuses})
}

// execute relays a command to the sandbox runtime and streams its output.
// The stream always ends with a completion record, synthesized with exit
// code -1 when the runtime is unreachable or dies mid-stream.
func (s *Server) execute(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	log := klog.FromContext(ctx).WithValues("sandbox", name)

	var req executor.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorValidation, "invalid request body: %v", err))
		return
	}

	// Mark activity before doing anything else so the idle reaper never
	// fires between accepting the request and finishing the run.
	if err := s.fleet.Touch(ctx, name); err != nil {
		log.Error(err, "failed to record sandbox activity")
	}

	sbx, found, err := s.fleet.GetSandbox(ctx, name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !found {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorNotFound, "sandbox [%s] not found", name))
		return
	}
	ip := sbx.GetIP()
	if sbx.Phase() != corev1.PodRunning || ip == "" {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorConflict, "sandbox [%s] is not running", name))
		return
	}

	events, err := s.runtime.Execute(ctx, executor.BaseURL(ip, s.executorPort), req)
	if err != nil {
		if fleeterrors.IsCode(err, fleeterrors.ErrorValidation) {
			abortWithError(c, err)
			return
		}
		log.Error(err, "executor rejected execution request")
		stream := newEventStream(c)
		_ = stream.send(executor.NewCompleted(0, -1, false))
		return
	}

	stream := newEventStream(c)
	pid, completed := 0, false
	for evt := range events {
		if err := stream.send(evt); err != nil {
			return
		}
		pid = evt.PID
		if evt.Type == executor.EventCompleted {
			completed = true
		}
	}
	if !completed {
		log.Info("execution stream ended without completion, synthesizing one")
		_ = stream.send(executor.NewCompleted(pid, -1, false))
	}
}
