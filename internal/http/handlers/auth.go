package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taahir-samaai/rpa-orchestrator/internal/auth"
	"github.com/taahir-samaai/rpa-orchestrator/internal/security"
)

// AuthHandler issues bearer tokens for the single configured operator
// account. Form-encoded on purpose: the upstream integration sends
// application/x-www-form-urlencoded.

type AuthHandler struct {
	jwt          *auth.Manager
	username     string
	passwordHash string
	expiresIn    int // seconds, reported back to the caller
}

func NewAuthHandler(jwt *auth.Manager, username, passwordHash string, expiresIn int) *AuthHandler {
	return &AuthHandler{
		jwt:          jwt,
		username:     username,
		passwordHash: passwordHash,
		expiresIn:    expiresIn,
	}
}

// POST /token

func (h *AuthHandler) Token(ctx *gin.Context) {
	username := ctx.PostForm("username")
	password := ctx.PostForm("password")

	if username == "" || password == "" {
		RespondBadRequest(ctx, "username and password are required", nil)
		return
	}

	if username != h.username || security.CheckPassword(h.passwordHash, password) != nil {
		RespondUnAuthorized(ctx, "invalid_credentials", "Username or password is incorrect.")
		return
	}

	token, err := h.jwt.GenerateAccessToken(username, "admin")

	if err != nil {
		RespondInternal(ctx, "Could not issue token")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   h.expiresIn,
	})
}
