package handler

import (
	"errors"
	"net/http"

	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/middleware"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/response"
	"github.com/clinicus/clinicus-backend/internal/service"
	"github.com/clinicus/clinicus-backend/internal/validator"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	authService  *service.AuthService
	loginService *service.LoginService
	log          zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *service.AuthService, loginService *service.LoginService, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		loginService: loginService,
		log:          logger.Component(log, "auth_handler"),
	}
}

// Login godoc
// POST /api/v1/auth/login
// Validates email + password and returns a JWT with the home route of the user's role.
// Student logins are recorded for the faculty login history.
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.authService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
			return
		}
		h.log.Error().Err(err).Msg("Login failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if res.User.Role == model.RoleStudent {
		h.loginService.RecordLogin(c.Request.Context(), res.User.ID, c.ClientIP(), c.Request.UserAgent())
	}

	response.Success(c, http.StatusOK, res)
}

// Logout godoc
// POST /api/v1/auth/logout
// Ends the current session. The token stops working immediately.
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.authService.Logout(c.Request.Context(), claims.UserID); err != nil {
		h.log.Error().Err(err).Int("user_id", claims.UserID).Msg("Logout failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if claims.Role == model.RoleStudent {
		h.loginService.RecordLogout(c.Request.Context(), claims.UserID)
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// Me godoc
// GET /api/v1/auth/me
// Returns the profile of the currently authenticated user.
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	user, err := h.authService.Profile(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user":  user,
		"route": user.Role.HomeRoute(),
	})
}
