package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/service"
)

const (
	ctxSession = "session"
	ctxUser    = "user"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	ceremonies *service.Coordinator
	sessions   *service.SessionService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(ceremonies *service.Coordinator, sessions *service.SessionService) *AuthHandlers {
	return &AuthHandlers{
		ceremonies: ceremonies,
		sessions:   sessions,
	}
}

// bindOptionalJSON binds the body into obj, accepting an empty body
func bindOptionalJSON(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// RegisterStart begins a registration ceremony
func (h *AuthHandlers) RegisterStart(c *gin.Context) {
	var req struct {
		DeviceInfo core.DeviceInfo `json:"deviceInfo"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		abortInvalidRequest(c)
		return
	}
	h.start(c, core.PurposeRegister, req.DeviceInfo)
}

// LoginStart begins a login ceremony
func (h *AuthHandlers) LoginStart(c *gin.Context) {
	var req struct {
		DeviceInfo core.DeviceInfo `json:"deviceInfo"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		abortInvalidRequest(c)
		return
	}
	h.start(c, core.PurposeLogin, req.DeviceInfo)
}

func (h *AuthHandlers) start(c *gin.Context, purpose core.Purpose, device core.DeviceInfo) {
	if device.UserAgent == "" {
		device.UserAgent = c.Request.UserAgent()
	}

	res, err := h.ceremonies.Start(c.Request.Context(), purpose, device)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStartResponse(res))
}

// Complete finishes a register or login ceremony. The action in the
// response is decided by the credential, not by the route.
func (h *AuthHandlers) Complete(c *gin.Context) {
	var req struct {
		CeremonyID string          `json:"ceremonyId" binding:"required"`
		Assertion  *core.Assertion `json:"assertion" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c)
		return
	}

	grant, err := h.ceremonies.Complete(c.Request.Context(), req.CeremonyID, *req.Assertion)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, grantResponse{
		Action:  grant.Action,
		Session: newSessionDTO(grant.Session),
		User:    newUserDTO(grant.User),
	})
}

// Cancel abandons a pending ceremony
func (h *AuthHandlers) Cancel(c *gin.Context) {
	var req struct {
		CeremonyID string `json:"ceremonyId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c)
		return
	}

	if err := h.ceremonies.Cancel(c.Request.Context(), req.CeremonyID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CeremonyStatus reports the state of a ceremony
func (h *AuthHandlers) CeremonyStatus(c *gin.Context) {
	pending, err := h.ceremonies.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrChallengeExpired) {
			c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "Ceremony not found", Code: "not_found"})
			return
		}
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ceremonyStatusResponse{
		CeremonyID: pending.ID,
		State:      string(pending.State),
		Purpose:    string(pending.Purpose),
		Failure:    pending.Failure,
	})
}

// Restore validates a stored session token authoritatively
func (h *AuthHandlers) Restore(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		abortInvalidRequest(c)
		return
	}

	_, user, err := h.sessions.Restore(c.Request.Context(), req.Token)
	if err != nil {
		// Unknown is not invalid: the client keeps its session.
		if errors.Is(err, core.ErrAuthorityUnavailable) {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": false, "code": core.Code(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "user": newUserDTO(user)})
}

// Refresh swaps a valid session for a new one
func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c)
		return
	}

	session, err := h.sessions.Refresh(c.Request.Context(), req.Token)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": newSessionDTO(session)})
}

// Logout handles session logout
func (h *AuthHandlers) Logout(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c)
		return
	}

	if err := h.sessions.Revoke(c.Request.Context(), req.Token); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Me returns information about the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	user, exists := c.Get(ctxUser)
	if !exists {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "User not found in context", Code: "internal"})
		return
	}
	session := c.MustGet(ctxSession).(*core.Session)

	c.JSON(http.StatusOK, gin.H{
		"user":      newUserDTO(user.(*core.User)),
		"expiresAt": session.ExpiresAt,
	})
}
