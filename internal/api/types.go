package api

import (
	"time"

	"github.com/csai/sandbox-agent/internal/challenges"
)

type CreateInstanceRequest struct {
	AssignmentID string `json:"assignment_id"`
}

// InstanceResponse answers instance reads. Fields other than exists are set
// only when relevant.
type InstanceResponse struct {
	Exists          bool       `json:"exists"`
	URL             string     `json:"url,omitempty"`
	ContainerHandle string     `json:"container_handle,omitempty"`
	Port            int        `json:"port,omitempty"`
	AssignmentID    string     `json:"assignment_id,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// LifecycleResponse is the body of every create, restart and shutdown call,
// successful or not.
type LifecycleResponse struct {
	Success         bool   `json:"success"`
	ContainerHandle string `json:"container_handle,omitempty"`
	Port            int    `json:"port,omitempty"`
	URL             string `json:"url,omitempty"`
	Message         string `json:"message,omitempty"`
}

type InstanceRecord struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	ContainerHandle string    `json:"container_handle"`
	Port            int       `json:"port"`
	Status          string    `json:"status"`
	AssignmentID    string    `json:"assignment_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessed    time.Time `json:"last_accessed"`
}

type InstanceListResponse struct {
	Success   bool             `json:"success"`
	Instances []InstanceRecord `json:"instances"`
}

type ReconcileResponse struct {
	Success       bool     `json:"success"`
	Checked       int      `json:"checked"`
	MarkedStopped int      `json:"marked_stopped"`
	Orphans       []string `json:"orphans"`
}

type SweepResponse struct {
	Success      bool `json:"success"`
	Candidates   int  `json:"candidates"`
	Expired      int  `json:"expired"`
	StopFailures int  `json:"stop_failures"`
}

type ChallengePayload struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Difficulty  int    `json:"difficulty"`
}

type AssignmentChallengesRequest struct {
	Challenges []ChallengePayload `json:"challenges"`
}

type AssignmentChallengesResponse struct {
	Success      bool               `json:"success"`
	AssignmentID string             `json:"assignment_id"`
	Challenges   []ChallengePayload `json:"challenges"`
}

type SyncRequest struct {
	AssignmentID string `json:"assignment_id"`
	LaunchID     string `json:"launch_id"`
}

type ProgressResponse struct {
	Success bool `json:"success"`
	challenges.Progress
}

type SyncResponse struct {
	Success bool `json:"success"`
	challenges.SyncResult
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Uptime          int64  `json:"uptime_seconds"`
	DockerOK        bool   `json:"docker_ok"`
	ActiveInstances int    `json:"active_instances"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}
