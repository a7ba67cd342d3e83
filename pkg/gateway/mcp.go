package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/sandbox-fleet/fleetd/pkg/executor"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
)

// mcpRuntime resolves the named sandbox to its runtime base URL. Only mcp
// sandboxes qualify; everything else is rejected before touching the pod.
func (s *Server) mcpRuntime(c *gin.Context) (string, bool) {
	name := c.Param("name")
	sbx, found, err := s.fleet.GetSandbox(c.Request.Context(), name)
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	if !found {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorNotFound, "sandbox [%s] not found", name))
		return "", false
	}
	if sbx.Kind() != consts.KindMCP {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorValidation, "sandbox [%s] is not an mcp sandbox", name))
		return "", false
	}
	ip := sbx.GetIP()
	if sbx.Phase() != corev1.PodRunning || ip == "" {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorConflict, "sandbox [%s] is not running", name))
		return "", false
	}
	return executor.BaseURL(ip, s.executorPort), true
}

func (s *Server) touch(c *gin.Context) {
	name := c.Param("name")
	if err := s.fleet.Touch(c.Request.Context(), name); err != nil {
		klog.FromContext(c.Request.Context()).Error(err, "failed to record sandbox activity", "sandbox", name)
	}
}

// mcpStart launches the MCP server process inside the sandbox and relays
// its startup events verbatim.
func (s *Server) mcpStart(c *gin.Context) {
	var req executor.MCPStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fleeterrors.NewErrorf(fleeterrors.ErrorValidation, "invalid request body: %v", err))
		return
	}
	base, ok := s.mcpRuntime(c)
	if !ok {
		return
	}
	s.touch(c)

	events, err := s.runtime.StartMCP(c.Request.Context(), base, req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	stream := newEventStream(c)
	for evt := range events {
		if err := stream.sendRaw(evt); err != nil {
			return
		}
	}
}

// mcpCall forwards one JSON-RPC message and relays the response untouched,
// status code included.
func (s *Server) mcpCall(c *gin.Context) {
	base, ok := s.mcpRuntime(c)
	if !ok {
		return
	}
	s.touch(c)

	resp, err := s.runtime.CallMCP(c.Request.Context(), base, c.Request.Body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, nil)
}

// mcpEvents relays the sandbox's server-initiated MCP messages.
func (s *Server) mcpEvents(c *gin.Context) {
	base, ok := s.mcpRuntime(c)
	if !ok {
		return
	}

	events, err := s.runtime.MCPEvents(c.Request.Context(), base)
	if err != nil {
		abortWithError(c, err)
		return
	}
	stream := newEventStream(c)
	for evt := range events {
		if err := stream.sendRaw(evt); err != nil {
			return
		}
	}
}

func (s *Server) mcpStatus(c *gin.Context) {
	base, ok := s.mcpRuntime(c)
	if !ok {
		return
	}

	status, err := s.runtime.MCPStatus(c.Request.Context(), base)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", status)
}

func (s *Server) mcpStop(c *gin.Context) {
	base, ok := s.mcpRuntime(c)
	if !ok {
		return
	}

	if err := s.runtime.StopMCP(c.Request.Context(), base); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
