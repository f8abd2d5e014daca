package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mrmushfiq/api-gateway/internal/gateway/proxy"
	"go.uber.org/zap"
)

type ProxyHandler struct {
	svc    *proxy.Service
	logger *zap.Logger
}

func NewProxyHandler(svc *proxy.Service, logger *zap.Logger) *ProxyHandler {
	return &ProxyHandler{
		svc:    svc,
		logger: logger,
	}
}

// HandleProxy handles {GET,POST,PUT,DELETE} /proxy/{target}/*
func (h *ProxyHandler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Handle(r.Context(), &proxy.Request{
		Target:        chi.URLParam(r, "target"),
		Path:          forwardedPath(r),
		RequestPath:   r.URL.Path,
		Method:        r.Method,
		Header:        r.Header,
		Query:         r.URL.Query(),
		RawQuery:      r.URL.RawQuery,
		Body:          r.Body,
		ContentLength: r.ContentLength,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("client went away before the response was written", zap.Error(err))
	}
}

// forwardedPath is the escaped request path below /proxy/{target}/. The
// wildcard param is decoded, so %3F or %23 in it would read as a query or
// fragment once joined onto the upstream URL.
func forwardedPath(r *http.Request) string {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/proxy/")
	_, path, _ := strings.Cut(rest, "/")
	return path
}
