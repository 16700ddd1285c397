package api

import (
	"github.com/starford/munin/internal/memoryservice"
	"github.com/starford/munin/internal/recall"
)

// CaptureRequest is the request body for storing a record.
type CaptureRequest struct {
	Namespace string   `json:"namespace" example:"decisions" validate:"required"`
	Summary   string   `json:"summary" example:"switched the index to WAL mode" validate:"required"`
	Body      string   `json:"body,omitempty" example:"recall reads were stalling behind capture writes"`
	Tags      []string `json:"tags,omitempty" example:"storage,sqlite"`
	SourceRef string   `json:"source_ref,omitempty" example:"abc1234"`
}

// CaptureResponse reports a stored record.
type CaptureResponse struct {
	ID       string   `json:"id" example:"decisions:4f06a1c...:0" validate:"required"`
	Stored   bool     `json:"stored" example:"true" validate:"required"`
	Warnings []string `json:"warnings,omitempty" example:"embedding unavailable"`
}

// SyncRequest selects namespaces and the push half of a replication cycle.
// An empty namespace list means all namespaces.
type SyncRequest struct {
	Namespaces []string `json:"namespaces,omitempty" example:"decisions,blockers"`
	Push       bool     `json:"push" example:"true"`
}

// SyncResponse maps each namespace to its outcome.
type SyncResponse struct {
	Results map[string]bool `json:"results" validate:"required"`
}

// RecordDetail is the full record representation (aliased from the domain layer).
type RecordDetail = memoryservice.RecordDetail

// Match is one search hit (aliased from the domain layer).
type Match = recall.Match

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []Match `json:"results" validate:"required"`
}

// RecordsResponse wraps the records anchored at one commit.
type RecordsResponse struct {
	Records []RecordDetail `json:"records" validate:"required"`
}

// NamespacesResponse lists the fixed namespace set.
type NamespacesResponse struct {
	Namespaces []string `json:"namespaces" validate:"required"`
}

// StatusResponse is the operational snapshot (aliased from the domain layer).
type StatusResponse = memoryservice.Status
