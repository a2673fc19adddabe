// Package http holds the pieces of the HTTP surface shared by the REST
// router and the signaling handshake.
package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/Proctor/internal/app/orch"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/gin-gonic/gin"
)

// Error codes carried in ErrorBody.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidState   = "INVALID_STATE"
	CodeConflict       = "CONFLICT"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInternal       = "INTERNAL"
)

const (
	credentialQuery  = "token"
	credentialCookie = "jwt_token"
)

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// StatusOf maps a domain error to its HTTP status and error code.
func StatusOf(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	}
	return http.StatusInternalServerError, CodeInternal
}

// AbortWithError writes err as an ErrorBody and stops the handler chain.
func AbortWithError(c *gin.Context, err error) {
	status, code := StatusOf(err)
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: orch.PublicMessage(err)}})
}

// Credential returns the bearer token of the request: the Authorization
// header first, then the token query parameter, then the jwt_token cookie.
func Credential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if tok := c.Query(credentialQuery); tok != "" {
		return tok
	}
	if tok, err := c.Cookie(credentialCookie); err == nil {
		return tok
	}
	return ""
}
