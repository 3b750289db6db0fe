package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agent-relay/internal/auth"
	"agent-relay/internal/middleware"
)

type AuthHandler struct {
	TokenConfig auth.TokenConfig
	Limiter     *middleware.RateLimiter
}

type authBody struct {
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

// Auth exchanges an ed25519 challenge signature for a bearer token scoped to
// the key's namespace.
func (h *AuthHandler) Auth(c *gin.Context) {
	if h.Limiter != nil && !h.Limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	var body authBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := auth.VerifySignature(body.PublicKey, body.Challenge, body.Signature); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	namespace := auth.NamespaceForKey(body.PublicKey)
	token, err := auth.CreateToken(namespace, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "namespace": namespace})
}
