package http

import (
	"net/http"
	"strings"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/services"
	"groupcall/pkg/errors"
	"groupcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler issues access tokens without checking credentials. It is
// mounted only in development mode; production tokens come from the
// deployment's identity service.
type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/auth/dev-token", h.DevToken)
}

type DevTokenRequest struct {
	UserID      string `json:"userId" binding:"max=100"`
	DisplayName string `json:"displayName" binding:"max=100"`
}

type TokenResponse struct {
	AccessToken string        `json:"accessToken"`
	UserID      domain.UserID `json:"userId"`
}

func (h *AuthHandler) DevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.UserID == "" {
		req.UserID = uuid.New().String()
	}
	if err := validation.ValidateID(req.UserID, "userId"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	identity := domain.Identity{UserID: domain.UserID(req.UserID), DisplayName: req.DisplayName}
	token, err := h.authService.GenerateToken(identity)
	if err != nil {
		_ = c.Error(errors.NewInternalError("failed to generate token"))
		return
	}
	c.JSON(http.StatusOK, TokenResponse{AccessToken: token, UserID: identity.UserID})
}
