// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package ui serves a JSON inspection API and prometheus metrics for a DelayBucket.
package ui

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hemant/titandelay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultListLimit = 100

// Handler handles HTTP requests for the UI.
type Handler struct {
	bucket    *titandelay.DelayBucket
	inspector *titandelay.Inspector
	router    *chi.Mux
}

// NewHandler creates a new Handler for b.
func NewHandler(b *titandelay.DelayBucket) *Handler {
	h := &Handler{
		bucket:    b,
		inspector: titandelay.NewInspector(b),
		router:    chi.NewRouter(),
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.router.Use(middleware.RequestID)
	h.router.Use(middleware.Recoverer)

	h.router.Route("/api", func(r chi.Router) {
		r.Get("/buckets", h.listBuckets)
		r.Get("/buckets/{index}", h.getBucket)
		r.Get("/buckets/{index}/jobs", h.listJobs)
		r.Post("/jobs", h.addJob)
		r.Get("/instance", h.getInstance)
		r.Post("/instance", h.setInstance)
	})

	h.router.Handle("/metrics", promhttp.Handler())
	h.router.Get("/healthz", h.health)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// AddJobRequest is the body of POST /api/jobs.
type AddJobRequest struct {
	ID         string          `json:"id,omitempty"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DelayMs    int64           `json:"delay_ms,omitempty"`
	MaxRetry   int             `json:"max_retry,omitempty"`
	TTRSeconds int64           `json:"ttr_seconds,omitempty"`
}

// InstanceRequest is the body of POST /api/instance.
type InstanceRequest struct {
	Instance string `json:"instance"`
}

// InstanceResponse describes the current bucket name set.
type InstanceResponse struct {
	Instance string   `json:"instance"`
	Buckets  []string `json:"buckets"`
}

func (h *Handler) listBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.inspector.Buckets(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, buckets)
}

func (h *Handler) getBucket(w http.ResponseWriter, r *http.Request) {
	idx, ok := bucketIndex(w, r)
	if !ok {
		return
	}
	info, err := h.inspector.Bucket(r.Context(), idx)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	idx, ok := bucketIndex(w, r)
	if !ok {
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := h.inspector.ListJobs(r.Context(), idx, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (h *Handler) addJob(w http.ResponseWriter, r *http.Request) {
	var req AddJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts := []titandelay.Option{
		titandelay.ProcessIn(time.Duration(req.DelayMs) * time.Millisecond),
		titandelay.MaxRetry(req.MaxRetry),
		titandelay.TTR(time.Duration(req.TTRSeconds) * time.Second),
	}
	if req.ID != "" {
		opts = append(opts, titandelay.JobID(req.ID))
	}
	job, err := titandelay.NewJob(req.Topic, req.Payload, opts...)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.bucket.Add(r.Context(), job); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     job.ID(),
		"due_at": job.DueAt(),
	})
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, InstanceResponse{Instance: h.bucket.Instance(), Buckets: h.bucket.Names()})
}

func (h *Handler) setInstance(w http.ResponseWriter, r *http.Request) {
	var req InstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.bucket.OnInstanceChange(req.Instance)
	h.getInstance(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.bucket.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func bucketIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bucket index must be an integer")
		return 0, false
	}
	return idx, true
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case titandelay.IsConfigurationError(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case titandelay.IsStorageUnavailable(err):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
