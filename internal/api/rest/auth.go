package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/KevinKickass/MiniDiffCore/internal/storage"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

type CreateUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role" binding:"required,oneof=operator technician admin"`
}

type CreateMachineTokenRequest struct {
	Name string `json:"name" binding:"required"`
	Role string `json:"role" binding:"omitempty,oneof=operator technician admin"`
}

type CreateMachineTokenResponse struct {
	Token string    `json:"token"` // returned once
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Role  string    `json:"role"`
}

func authError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrNoCredentialStore):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("AUTH_503", "Credential store not configured", nil))
	case errors.Is(err, auth.ErrInvalidRole), errors.Is(err, auth.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", err.Error(), nil))
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("AUTH_404", "Not found", nil))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("AUTH_500", "Internal error", err.Error()))
	}
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "AUTH", err)
		return
	}

	token, expiresAt, err := s.authService.Login(c.Request.Context(), req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAccountLocked):
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid credentials", nil))
		return
	default:
		authError(c, err)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expiresAt).Seconds()),
	})
}

// GET /api/v1/auth/me
func (s *Server) getCurrentUser(c *gin.Context) {
	perms, _ := c.Get("permissions")
	c.JSON(http.StatusOK, gin.H{
		"username":    auth.Username(c),
		"role":        c.GetString("role"),
		"permissions": perms,
	})
}

// GET /api/v1/auth/users
func (s *Server) listUsers(c *gin.Context) {
	users, err := s.authService.ListUsers(c.Request.Context())
	if err != nil {
		authError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// POST /api/v1/auth/users
func (s *Server) createUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "AUTH", err)
		return
	}

	user, err := s.authService.CreateUser(c.Request.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		authError(c, err)
		return
	}

	s.logger.Info("User created",
		zap.String("username", user.Username),
		zap.String("role", user.Role),
		zap.String("by", auth.Username(c)))
	c.JSON(http.StatusCreated, user)
}

// DELETE /api/v1/auth/users/:id
func (s *Server) deleteUser(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "AUTH", err)
		return
	}
	if err := s.authService.DeleteUser(c.Request.Context(), id); err != nil {
		authError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/auth/machine-tokens
func (s *Server) listMachineTokens(c *gin.Context) {
	tokens, err := s.authService.ListMachineTokens(c.Request.Context())
	if err != nil {
		authError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// POST /api/v1/auth/machine-tokens
func (s *Server) createMachineToken(c *gin.Context) {
	var req CreateMachineTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "AUTH", err)
		return
	}
	if req.Role == "" {
		req.Role = "operator"
	}

	token, mt, err := s.authService.CreateMachineToken(c.Request.Context(), req.Name, req.Role, auth.Username(c))
	if err != nil {
		authError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateMachineTokenResponse{
		Token: token,
		ID:    mt.ID,
		Name:  mt.Name,
		Role:  mt.Role,
	})
}

// DELETE /api/v1/auth/machine-tokens/:id
func (s *Server) deleteMachineToken(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "AUTH", err)
		return
	}
	if err := s.authService.DeleteMachineToken(c.Request.Context(), id); err != nil {
		authError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
