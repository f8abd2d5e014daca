package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mrmushfiq/api-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/api-gateway/internal/gateway/auth"
	"go.uber.org/zap"
)

type createKeyRequest struct {
	UserID            string `json:"user_id"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
	ExpiresInDays     int    `json:"expires_in_days,omitempty"`
}

type createKeyResponse struct {
	APIKey string `json:"api_key"`
}

type KeysHandler struct {
	auth   *auth.Service
	logger *zap.Logger
}

func NewKeysHandler(auth *auth.Service, logger *zap.Logger) *KeysHandler {
	return &KeysHandler{
		auth:   auth,
		logger: logger,
	}
}

// HandleCreateKey handles POST /auth/keys. The composite key is returned once
// and cannot be recovered later.
func (h *KeysHandler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, apierror.New(apierror.KindBadRequest, "invalid request body"))
		return
	}
	if req.RequestsPerMinute < 0 {
		writeError(w, h.logger, apierror.New(apierror.KindBadRequest, "requests_per_minute must not be negative"))
		return
	}

	key, err := h.auth.Issue(r.Context(), req.UserID, auth.IssueOptions{
		RequestsPerMinute: req.RequestsPerMinute,
		ExpiresInDays:     req.ExpiresInDays,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("issued api key", zap.String("user_id", req.UserID))
	writeJSON(w, http.StatusCreated, createKeyResponse{APIKey: key})
}
