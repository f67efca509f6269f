package server

import (
	"encoding/json"
	"net/http"

	"github.com/tarora2/svr/internal/logx"
)

var openapiJSON = mustOpenAPISchema()

func mustOpenAPISchema() []byte {
	schema := map[string]any{
		"openapi": "3.0.0",
		"info": map[string]any{
			"title":   "svr admin API",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"summary": "Health check",
					"responses": map[string]any{
						"200": map[string]any{"description": "ok"},
					},
				},
			},
			"/api/v1/state": map[string]any{
				"get": map[string]any{
					"summary": "Get broker state snapshot",
					"responses": map[string]any{
						"200": map[string]any{"description": "State"},
					},
				},
			},
			"/metrics": map[string]any{
				"get": map[string]any{
					"summary": "Prometheus metrics",
					"responses": map[string]any{
						"200": map[string]any{"description": "Metrics exposition"},
					},
				},
			},
		},
	}
	b, err := json.Marshal(schema)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("marshal openapi schema")
	}
	return b
}

func openAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(openapiJSON)
	}
}
