// Package server assembles the broker's outward surfaces: the TLV message
// listener, the websocket endpoint carrying the same protocol, and the HTTP
// admin API with health, metrics and state.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tarora2/svr/internal/broker"
	"github.com/tarora2/svr/internal/codec"
	"github.com/tarora2/svr/internal/config"
	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/serverstate"
)

// BuildInfo identifies the running binary in state snapshots.
type BuildInfo struct {
	Version string `json:"version"`
	SHA     string `json:"sha,omitempty"`
	Date    string `json:"date,omitempty"`
}

// StateResponse is the admin-state snapshot returned to clients.
type StateResponse struct {
	Status     string              `json:"status"`
	Build      BuildInfo           `json:"build"`
	UptimeSecs uint64              `json:"uptime_s"`
	CPUPercent float64             `json:"cpu_percent"`
	MemUsedPct float64             `json:"mem_used_percent"`
	Encodings  []string            `json:"encodings"`
	Sources    []broker.SourceInfo `json:"sources"`
	Streams    []broker.StreamInfo `json:"streams"`
}

// New constructs the HTTP handler for the admin surface and the websocket
// client endpoint.
func New(b *broker.Broker, router *broker.Router, cfg config.ServerConfig, build BuildInfo) http.Handler {
	start := time.Now()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/openapi.json", openAPIHandler())
	r.Get("/", StatusHandler())

	r.Get("/api/v1/state", func(w http.ResponseWriter, _ *http.Request) {
		sources, streams := b.Snapshot()
		resp := StateResponse{
			Status:     serverstate.GetState(),
			Build:      build,
			UptimeSecs: uint64(time.Since(start).Seconds()),
			Encodings:  codec.Names(),
			Sources:    sources,
			Streams:    streams,
		}
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			resp.CPUPercent = pct[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			resp.MemUsedPct = vm.UsedPercent
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	r.Handle(cfg.WSPath, wsHandler(router, cfg))
	return r
}

// wsHandler accepts websocket clients and runs a protocol session over each
// connection.
func wsHandler(router *broker.Router, cfg config.ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provided := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		}
		if provided == "" {
			provided = r.URL.Query().Get("client_key")
		}
		if cfg.ClientKey != "" && provided != cfg.ClientKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		tr := broker.NewWSTransport(context.Background(), c)
		sess := broker.NewSession(tr, router, cfg.RequestTimeout)
		logx.Log.Info().Str("client_id", sess.ID()).Str("remote_addr", r.RemoteAddr).Msg("websocket client connected")
		sess.Serve()
	}
}

// Hostname is used in log context at startup.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
