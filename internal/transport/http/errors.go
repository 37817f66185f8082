package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"github.com/richardliu001/rgs-wallet-gateway/internal/service"
)

const (
	codeValidation     = "VALIDATION_ERROR"
	codeAuthentication = "AUTHENTICATION_ERROR"
	codeConflict       = "CONFLICT"
	codeNotFound       = "NOT_FOUND"
	codeRateLimited    = "RATE_LIMITED"
	codeUpstream       = "UPSTREAM_UNAVAILABLE"
	codeInternal       = "INTERNAL_ERROR"
)

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func abortWithError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody{StatusCode: status, Error: code, Message: msg})
}

// writeError maps service and repo errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		abortWithError(c, http.StatusUnprocessableEntity, codeValidation, err.Error())
	case errors.Is(err, service.ErrRequestInProgress), errors.Is(err, service.ErrDuplicateRef):
		abortWithError(c, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, service.ErrUpstreamUnavailable):
		abortWithError(c, http.StatusBadGateway, codeUpstream, "Operator is unavailable, transaction failed")
	case errors.Is(err, repo.ErrNotFound):
		abortWithError(c, http.StatusNotFound, codeNotFound, err.Error())
	default:
		abortWithError(c, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
