package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/RoanBrand/gomqttc/internal/publisher"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statusSource interface {
	Status() publisher.Status
}

type statusResponse struct {
	Connected bool              `json:"connected"`
	Since     *time.Time        `json:"since,omitempty"`
	Started   bool              `json:"started"`
	Healthy   bool              `json:"healthy"`
	Error     string            `json:"error,omitempty"`
	Timeouts  uint32            `json:"ack_timeouts"`
	Queued    int               `json:"queued"`
	Pending   int               `json:"pending"`
	QueueFree int               `json:"queue_free"`
	Readings  map[string]string `json:"readings"`
}

func newStatusRouter(src statusSource, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		st := src.Status()
		resp := statusResponse{
			Connected: st.Connected,
			Started:   st.Started,
			Healthy:   st.Healthy,
			Timeouts:  st.Timeouts,
			Queued:    st.Queued,
			Pending:   st.Pending,
			QueueFree: st.QueueFree,
			Readings:  st.Readings,
		}
		if !st.Since.IsZero() {
			resp.Since = &st.Since
		}
		if st.Err != nil {
			resp.Error = st.Err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.Connected || !st.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return r
}
