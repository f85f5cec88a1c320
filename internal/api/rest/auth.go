package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/gin-gonic/gin"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"` // seconds
	ExpiresAt   time.Time `json:"expires_at"`
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if !s.authService.Enabled() {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "authentication is disabled", nil))
		return
	}

	token, expires, err := s.authService.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		c.JSON(http.StatusTooManyRequests, types.NewErrorResponse(types.CodeUnauthorized, err.Error(), nil))
		return
	case err != nil:
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeUnauthorized, "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expires).Seconds()),
		ExpiresAt:   expires,
	})
}

// GET /api/v1/auth/me
func (s *Server) getCurrentUser(c *gin.Context) {
	identity := auth.IdentityFromContext(c)
	if identity == nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeUnauthorized, "Not authenticated", nil))
		return
	}
	c.JSON(http.StatusOK, identity)
}
