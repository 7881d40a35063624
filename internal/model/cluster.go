package model

import "time"

// ClusterType tags how a cluster was formed.
type ClusterType string

const (
	ClusterTopic  ClusterType = "TOPIC"
	ClusterEntity ClusterType = "ENTITY"
)

// Cluster is a grouping produced by one run of a clustering capability.
type Cluster struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Capability Capability     `json:"capability"`
	Key        string         `json:"key"` // analyzer-assigned key, unique within a run
	Name       string         `json:"name"`
	Type       ClusterType    `json:"type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ClusterAssignment places a record in a cluster identified by its run-local key.
type ClusterAssignment struct {
	RecordID   string  `json:"record_id"`
	ClusterKey string  `json:"cluster_key"`
	Score      float64 `json:"score"`
}

// ClusterLink is a persisted record membership.
type ClusterLink struct {
	RecordID  string  `json:"record_id"`
	ClusterID string  `json:"cluster_id"`
	Score     float64 `json:"score"`
}
