package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mrmushfiq/api-gateway/internal/gateway/apierror"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind apierror.Kind) int {
	switch kind {
	case apierror.KindBadRequest, apierror.KindUnknownTarget:
		return http.StatusBadRequest
	case apierror.KindUnauthenticated:
		return http.StatusUnauthorized
	case apierror.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apierror.KindRateExceeded:
		return http.StatusTooManyRequests
	case apierror.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err as a JSON error body. Headers carried on the error are
// sent too. Internal errors are logged and their detail is not exposed.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierror.Wrap(apierror.KindInternal, "internal server error", err)
	}

	for name, values := range apiErr.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	message := apiErr.Message
	if apiErr.Kind == apierror.KindInternal {
		logger.Error("request failed", zap.Error(err))
		message = "internal server error"
	}

	writeJSON(w, statusFor(apiErr.Kind), errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
