package server

import (
	"net/http"
	"time"
)

func New(addr string, healthHandler http.Handler, ingestHandlers *IngestHandlers) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	if ingestHandlers != nil {
		mux.HandleFunc("POST /v1/metrics", ingestHandlers.PostMetrics)
		mux.HandleFunc("POST /v1/logs", ingestHandlers.PostLogs)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
