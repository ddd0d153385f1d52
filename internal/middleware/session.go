package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-agent/internal/response"
	"github.com/stemsi/exstem-agent/internal/service"
)

// CheckSingleKioskSession rejects tokens issued for another attempt and tokens
// replaced by a newer `exstem-agent token` call.
func CheckSingleKioskSession(authService *service.AuthService, submissionID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		err := authService.ValidateBridgeSession(c.Request.Context(), claims, submissionID)
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, service.ErrBridgeWrongAttempt):
			response.AbortFail(c, http.StatusForbidden, response.ErrTokenInvalid)
		case errors.Is(err, service.ErrBridgeInvalidated):
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
		default:
			response.AbortFail(c, http.StatusInternalServerError, response.ErrInternal)
		}
	}
}
