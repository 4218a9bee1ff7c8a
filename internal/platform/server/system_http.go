package server

import (
	"context"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/somasave/sacco-deposits/internal/platform/clock"
)

type SystemHandler struct {
	Version   string
	StartedAt time.Time
	Clock     clock.Clock
	Gatherer  prometheus.Gatherer
	// Ready reports dependency health; nil means always ready.
	Ready func(ctx context.Context) error
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (h SystemHandler) Register(mux *runtime.ServeMux) error {
	if err := mux.HandlePath(http.MethodGet, "/healthz", h.health); err != nil {
		return err
	}
	if h.Gatherer == nil {
		return nil
	}
	metrics := promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})
	return mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		metrics.ServeHTTP(w, r)
	})
}

func (h SystemHandler) health(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp := healthResponse{Status: "ok", Version: h.Version}
	if h.Clock != nil && !h.StartedAt.IsZero() {
		resp.Uptime = h.Clock.Now().Sub(h.StartedAt).Round(time.Second).String()
	}
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Detail = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
