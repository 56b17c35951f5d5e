package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/inkwell-api/internal/middleware"
	"github.com/noah-isme/inkwell-api/internal/models"
	"github.com/noah-isme/inkwell-api/internal/service"
	appErrors "github.com/noah-isme/inkwell-api/pkg/errors"
	"github.com/noah-isme/inkwell-api/pkg/response"
	"github.com/noah-isme/inkwell-api/pkg/storage"
)

// CookieConfig mirrors pkg/config.CookieConfig for the handler layer.
type CookieConfig struct {
	Name     string
	Path     string
	Domain   string
	SameSite http.SameSite
	Secure   bool
	MaxAge   time.Duration
}

// AuthHandler wires the session lifecycle endpoints to the auth service.
type AuthHandler struct {
	service *service.AuthService
	uploads *storage.LocalStorage
	metrics *service.MetricsService
	cookie  CookieConfig
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc *service.AuthService, uploads *storage.LocalStorage, metrics *service.MetricsService, cookie CookieConfig) *AuthHandler {
	return &AuthHandler{service: svc, uploads: uploads, metrics: metrics, cookie: cookie}
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate by email or username and password
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /users/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}

	user, pair, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, pair.RefreshToken)
	h.metrics.RecordLogin()
	response.JSON(c, http.StatusOK, "logged in", models.LoginResponse{User: user.Info(), AccessToken: pair.AccessToken})
}

// Register godoc
// @Summary Register user
// @Description Create an account from a multipart payload with a required avatar and optional cover image
// @Tags Authentication
// @Accept multipart/form-data
// @Produce json
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /users/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid registration payload"))
		return
	}

	avatarFile, err := c.FormFile("avatar")
	if err != nil {
		response.Error(c, appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "avatar file is required"), "avatar is required"))
		return
	}

	avatarName, err := h.uploads.SaveUpload(avatarFile)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "failed to store avatar"))
		return
	}
	req.AvatarURL = avatarName

	if coverFile, err := c.FormFile("coverImage"); err == nil {
		coverName, err := h.uploads.SaveUpload(coverFile)
		if err != nil {
			_ = h.uploads.Delete(avatarName)
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "failed to store cover image"))
			return
		}
		req.CoverImageURL = &coverName
	}

	user, pair, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		_ = h.uploads.Delete(avatarName)
		if req.CoverImageURL != nil {
			_ = h.uploads.Delete(*req.CoverImageURL)
		}
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, pair.RefreshToken)
	h.metrics.RecordLogin()
	response.Created(c, "registered", models.LoginResponse{User: user.Info(), AccessToken: pair.AccessToken})
}

// Logout godoc
// @Summary Logout current session
// @Description Revoke the stored refresh credential and clear the cookie
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /users/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Logout(c.Request.Context(), claims.UserID); err != nil {
		response.Error(c, err)
		return
	}

	h.clearRefreshCookie(c)
	h.metrics.RecordRevocation()
	response.JSON(c, http.StatusOK, "logged out", nil)
}

// Refresh godoc
// @Summary Refresh access token
// @Description Exchange the refresh cookie for a new access token
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /users/refresh-token [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	presented, err := c.Cookie(h.cookie.Name)
	if err != nil || presented == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token missing"))
		return
	}

	_, pair, err := h.service.Refresh(c.Request.Context(), presented)
	if err != nil {
		h.clearRefreshCookie(c)
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, pair.RefreshToken)
	h.metrics.RecordRefresh()
	response.JSON(c, http.StatusOK, "token refreshed", models.RefreshResponse{AccessToken: pair.AccessToken})
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated user's profile
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /users/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	user, err := h.service.CurrentUser(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, "current user", gin.H{"user": user.Info()})
}

// ChangePassword godoc
// @Summary Change password
// @Description Change password for the current user; revokes the active session
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.ChangePasswordRequest true "Change password"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /users/change-password [post]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if err := h.service.ChangePassword(c.Request.Context(), claims.UserID, req); err != nil {
		response.Error(c, err)
		return
	}

	h.clearRefreshCookie(c)
	h.metrics.RecordRevocation()
	response.JSON(c, http.StatusOK, "password changed", nil)
}

func currentClaims(c *gin.Context) (*models.AccessClaims, bool) {
	v, ok := c.Get(middleware.ContextUserKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*models.AccessClaims)
	return claims, ok
}

func (h *AuthHandler) setRefreshCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   int(h.cookie.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: h.cookie.SameSite,
	})
}

func (h *AuthHandler) clearRefreshCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: h.cookie.SameSite,
	})
}
