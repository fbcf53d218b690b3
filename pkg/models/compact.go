package models

import "time"

// CompactMemory is a summarization of a contiguous range of turns. The
// runtime only records and retrieves these; producing them is a separate
// pipeline's job.
type CompactMemory struct {
	ID                   string    `json:"id"`
	StartTime            time.Time `json:"start_time"`
	EndTime              time.Time `json:"end_time"`
	TaskIDs              []string  `json:"task_ids,omitempty"`
	Summary              string    `json:"summary"`
	KeyPoints            []string  `json:"key_points,omitempty"`
	Entities             []string  `json:"entities,omitempty"`
	SemanticLabels       []string  `json:"semantic_labels,omitempty"`
	TurnCount            int       `json:"turn_count"`
	TokenCount           int       `json:"token_count"`
	CompressedTokenCount int       `json:"compressed_token_count"`
	Processed            bool      `json:"processed"`
	CreatedAt            time.Time `json:"created_at"`
}
