package server

import (
	"encoding/json"

	"synthgen/internal/domain"
)

// Response payloads

type DatasetResponse struct {
	Dataset       string `json:"dataset"`
	LatestVersion string `json:"latest_version,omitempty"`
	VersionCount  int    `json:"version_count"`
}

type VersionResponse struct {
	Registry domain.RegistryVersion `json:"registry"`
	Final    domain.FinalMetadata   `json:"final_metadata"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	Dataset string         `json:"dataset"`
	Version string         `json:"version,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func datasetResponse(e domain.RegistryEntry) DatasetResponse {
	return DatasetResponse{
		Dataset:       e.Dataset,
		LatestVersion: e.LatestVersion,
		VersionCount:  len(e.Versions),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		Dataset: e.Dataset,
		Version: e.Version,
		Stage:   e.Stage,
		RunID:   e.RunID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
