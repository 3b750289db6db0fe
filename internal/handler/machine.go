package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agent-relay/internal/middleware"
	"agent-relay/internal/rpc"
	syncengine "agent-relay/internal/sync"
	"agent-relay/internal/transport"
)

type MachineHandler struct {
	Engine *syncengine.Engine
}

type upsertMachineBody struct {
	ID          string  `json:"id"`
	Metadata    string  `json:"metadata"`
	RunnerState *string `json:"runnerState"`
}

// Upsert is the runner registration endpoint. The id is client-chosen and
// stable per host, so repeat calls update rather than duplicate.
func (h *MachineHandler) Upsert(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body upsertMachineBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	m, _, err := h.Engine.Machines.Upsert(namespace, body.ID, body.Metadata, body.RunnerState)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": transport.EncodeMachine(m)})
}

func (h *MachineHandler) List(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	machines := h.Engine.Machines.List(namespace)
	resp := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		resp = append(resp, transport.EncodeMachine(m))
	}
	c.JSON(http.StatusOK, gin.H{"machines": resp})
}

func (h *MachineHandler) Get(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	access := h.Engine.Machines.ResolveAccess(c.Param("id"), namespace)
	if access.Status != syncengine.AccessOK {
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": transport.EncodeMachine(access.Machine)})
}

type spawnBody struct {
	Directory   string `json:"directory"`
	Agent       string `json:"agent"`
	ResumeToken string `json:"resumeToken"`
}

// Spawn asks the runner on a machine to start a new agent session.
func (h *MachineHandler) Spawn(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body spawnBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Directory == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sessionID, err := h.Engine.SpawnSession(c.Request.Context(), namespace, c.Param("id"), body.Directory, body.Agent, body.ResumeToken)
	if err != nil {
		h.machineOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID})
}

// RPC is the machine-scoped reverse-RPC pass-through.
func (h *MachineHandler) RPC(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body rpcBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, err := h.Engine.CallMachine(c.Request.Context(), namespace, c.Param("id"), body.Method, body.Params)
	if err != nil {
		h.machineOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *MachineHandler) machineOpError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, syncengine.ErrMachineNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
	case errors.Is(err, rpc.ErrNotRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": "Client not connected"})
	case errors.Is(err, rpc.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Client did not respond"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
