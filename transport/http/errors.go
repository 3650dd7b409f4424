package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/passkeyd/core"
)

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrChallengeExpired),
		errors.Is(err, core.ErrChallengeNotFound),
		errors.Is(err, core.ErrCeremonyNotFound):
		return http.StatusGone
	case errors.Is(err, core.ErrChallengeAlreadyUsed),
		errors.Is(err, core.ErrCeremonyAlreadyComplete),
		errors.Is(err, core.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, core.ErrChallengeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrSignatureInvalid),
		errors.Is(err, core.ErrCounterReplay):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrSecurityContextInvalid):
		return http.StatusForbidden
	case errors.Is(err, core.ErrMalformedToken):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTokenExpired),
		errors.Is(err, core.ErrTokenRevoked),
		errors.Is(err, core.ErrSignatureMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrAuthorityUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns a user-actionable message for err
func messageFor(err error) string {
	switch core.Code(err) {
	case "challenge_expired":
		return "The sign-in request expired, start again"
	case "already_used":
		return "This sign-in request was already used, start again"
	case "challenge_mismatch":
		return "The authenticator answered a different request"
	case "signature_invalid":
		return "The authenticator response could not be verified"
	case "counter_replay":
		return "This authenticator response was replayed"
	case "canceled":
		return "The ceremony was canceled"
	case "unsupported":
		return "This authenticator is not supported"
	case "security_context_invalid":
		return "Passkeys require a secure context"
	case "malformed_token":
		return "Invalid session token"
	case "expired":
		return "Session expired"
	case "revoked":
		return "Session has been revoked"
	case "signature_mismatch":
		return "Invalid session token"
	case "network_unavailable":
		return "Session authority unavailable, try again"
	default:
		return "Internal error"
	}
}

func abortWithError(c *gin.Context, err error) {
	abortWithStatus(c, statusFor(err), err)
}

func abortWithStatus(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{
		Error: messageFor(err),
		Code:  core.Code(err),
		Stage: string(core.StageOf(err)),
	})
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
}

func abortInvalidRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "Invalid request", Code: "invalid_request"})
}
