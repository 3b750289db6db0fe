package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agent-relay/internal/middleware"
	"agent-relay/internal/model"
	"agent-relay/internal/rpc"
	"agent-relay/internal/store"
	syncengine "agent-relay/internal/sync"
	"agent-relay/internal/transport"
)

type SessionHandler struct {
	Engine *syncengine.Engine
}

type createSessionBody struct {
	Tag        string  `json:"tag"`
	Metadata   string  `json:"metadata"`
	AgentState *string `json:"agentState"`
}

func (h *SessionHandler) GetOrCreate(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sess, _, err := h.Engine.Sessions.GetOrCreate(namespace, body.Tag, body.Metadata, body.AgentState)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": transport.EncodeSession(sess)})
}

func (h *SessionHandler) List(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions := h.Engine.Sessions.List(namespace)
	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, transport.EncodeSession(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

// abortAccess writes the uniform failure for not-found and access-denied so
// the two are indistinguishable to the caller.
func abortAccess(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
}

func (h *SessionHandler) Get(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	access := h.Engine.Sessions.ResolveAccess(c.Param("id"), namespace)
	if access.Status != syncengine.AccessOK {
		abortAccess(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": transport.EncodeSession(access.Session)})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	err := h.Engine.DeleteSession(namespace, c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, syncengine.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		abortAccess(c)
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

// Messages serves both paging modes: afterSeq drives the forward backfill
// loop, beforeSeq the scroll-up history page with its cursor object.
func (h *SessionHandler) Messages(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		limit = v
	}

	if raw := c.Query("afterSeq"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		msgs, err := h.Engine.Messages.GetAfter(namespace, sessionID, after, limit)
		if err != nil {
			abortAccess(c)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": encodeMessages(msgs)})
		return
	}

	var beforeSeq *int64
	if raw := c.Query("beforeSeq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		beforeSeq = &v
	}
	page, err := h.Engine.Messages.GetPage(namespace, sessionID, beforeSeq, limit)
	if err != nil {
		abortAccess(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": encodeMessages(page.Messages),
		"page": gin.H{
			"limit":         page.Limit,
			"beforeSeq":     page.BeforeSeq,
			"nextBeforeSeq": page.NextBeforeSeq,
			"hasMore":       page.HasMore,
		},
	})
}

func encodeMessages(msgs []model.Message) []gin.H {
	resp := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, transport.EncodeMessage(m))
	}
	return resp
}

type postMessageBody struct {
	Content string  `json:"content"`
	LocalID *string `json:"localId"`
}

// PostMessage appends to the session log over HTTP; chat-bot observers use
// this instead of the duplex channel.
func (h *SessionHandler) PostMessage(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body postMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	msg, err := h.Engine.Messages.Append(namespace, c.Param("id"), body.Content, body.LocalID)
	if err != nil {
		abortAccess(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": transport.EncodeMessage(msg)})
}

// Resume runs the resume saga; every failure is a typed result, never a 500.
func (h *SessionHandler) Resume(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	result := h.Engine.ResumeSession(c.Request.Context(), namespace, c.Param("id"))
	status := http.StatusOK
	switch result.Code {
	case syncengine.ResumeErrSessionNotFound, syncengine.ResumeErrAccessDenied:
		status = http.StatusNotFound
	case syncengine.ResumeErrNoMachineOnline, syncengine.ResumeErrUnavailable, syncengine.ResumeErrFailed:
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

func (h *SessionHandler) opError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, syncengine.ErrSessionNotFound), errors.Is(err, syncengine.ErrMachineNotFound):
		abortAccess(c)
	case errors.Is(err, rpc.ErrNotRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": "Client not connected"})
	case errors.Is(err, rpc.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Client did not respond"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

type permissionBody struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Mode      string `json:"mode"`
}

func (h *SessionHandler) Permission(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body permissionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Engine.ApprovePermission(c.Request.Context(), namespace, c.Param("id"), body.RequestID, body.Approved, body.Mode); err != nil {
		h.opError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) Abort(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	if err := h.Engine.AbortSession(c.Request.Context(), namespace, c.Param("id")); err != nil {
		h.opError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type switchBody struct {
	Mode string `json:"mode"`
}

func (h *SessionHandler) Switch(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body switchBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Mode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Engine.SwitchSession(c.Request.Context(), namespace, c.Param("id"), body.Mode); err != nil {
		h.opError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type renameBody struct {
	Name string `json:"name"`
}

func (h *SessionHandler) Rename(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body renameBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Engine.RenameSession(c.Request.Context(), namespace, c.Param("id"), body.Name); err != nil {
		h.opError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type configBody struct {
	PermissionMode string `json:"permissionMode"`
	ModelMode      string `json:"modelMode"`
}

func (h *SessionHandler) ApplyConfig(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body configBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Engine.ApplySessionConfig(c.Request.Context(), namespace, c.Param("id"), body.PermissionMode, body.ModelMode); err != nil {
		h.opError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type rpcBody struct {
	Method string `json:"method"`
	Params string `json:"params"`
}

// RPC is the generic pass-through for file, git, and terminal operations.
func (h *SessionHandler) RPC(c *gin.Context) {
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

	result, err := h.Engine.CallSession(c.Request.Context(), namespace, c.Param("id"), body.Method, body.Params)
	if err != nil {
		h.opError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
