package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/starford/munin/internal/capture"
	"github.com/starford/munin/internal/memoryservice"
	"github.com/starford/munin/internal/recall"
)

// Handler holds API route handlers.
type Handler struct {
	svc *memoryservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *memoryservice.Service) *Handler {
	return &Handler{svc: svc}
}

// CaptureRecord handles POST /api/records.
//
//	@Summary		Store one memory record
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CaptureRequest	true	"Record to store"
//	@Success		201		{object}	CaptureResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records [post]
func (h *Handler) CaptureRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	res, err := h.svc.Capture(r.Context(), capture.Request{
		Namespace: req.Namespace,
		Summary:   req.Summary,
		Body:      req.Body,
		Tags:      req.Tags,
		SourceRef: req.SourceRef,
	})
	if err != nil {
		writeError(w, "capture failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, CaptureResponse{
		ID:       res.ID.String(),
		Stored:   res.Stored,
		Warnings: res.Warnings,
	})
}

// GetRecords handles GET /api/records/{namespace}/{anchor}.
//
//	@Summary		Read every record anchored at one commit
//	@Tags			records
//	@Produce		json
//	@Param			namespace	path		string	true	"Namespace"
//	@Param			anchor		path		string	true	"Anchor commit id"
//	@Success		200			{object}	RecordsResponse
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{namespace}/{anchor} [get]
func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	anchor := chi.URLParam(r, "anchor")

	records, err := h.svc.GetRecord(r.Context(), namespace, anchor)
	if err != nil {
		writeError(w, "get records failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
	})
}

// Search handles GET /api/search.
//
//	@Summary		Search records by vector, keyword, or hybrid rank fusion
//	@Tags			search
//	@Produce		json
//	@Param			q				query		string	true	"Search query"
//	@Param			namespace		query		string	false	"Restrict to one namespace"
//	@Param			k				query		int		false	"Max results"
//	@Param			mode			query		string	false	"Search mode"	Enums(vector, keyword, hybrid)
//	@Param			hydrate			query		string	false	"Hydration level"	Enums(summary, full, files)
//	@Param			min_similarity	query		number	false	"Vector similarity floor"
//	@Success		200				{object}	SearchResponse
//	@Failure		400				{object}	errResponse
//	@Failure		503				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := q.Get("q")
	if text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	mode, err := recall.ParseMode(q.Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	hydration, err := recall.ParseHydration(q.Get("hydrate"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	k, _ := strconv.Atoi(q.Get("k"))
	minSimilarity, _ := strconv.ParseFloat(q.Get("min_similarity"), 64)

	matches, err := h.svc.Search(r.Context(), recall.Query{
		Text:          text,
		Namespace:     q.Get("namespace"),
		K:             k,
		MinSimilarity: minSimilarity,
		Mode:          mode,
		Hydration:     hydration,
	})
	if err != nil {
		writeError(w, "search failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": matches,
	})
}

// Sync handles POST /api/sync. An empty body syncs every namespace without
// pushing.
//
//	@Summary		Run one replication cycle against the configured remote
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SyncRequest	false	"Cycle options"
//	@Success		200		{object}	SyncResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	results := h.svc.Sync(r.Context(), req.Namespaces, req.Push)
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

// Reindex handles POST /api/reindex.
//
//	@Summary		Rebuild the whole index from the record store
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	map[string]string
//	@Security		BearerAuth
//	@Router			/reindex [post]
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reindex(r.Context()); err != nil {
		writeError(w, "reindex failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

// Status handles GET /api/status.
//
//	@Summary		Per-namespace store and index counts plus sync watermarks
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, "status failed", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Namespaces handles GET /api/namespaces.
//
//	@Summary		List the fixed namespace set
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	NamespacesResponse
//	@Security		BearerAuth
//	@Router			/namespaces [get]
func (h *Handler) Namespaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"namespaces": h.svc.Namespaces(),
	})
}
