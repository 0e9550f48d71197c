package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies a kind of work. The set is closed: every type the system
// accepts is declared here together with its required payload fields.
type Type string

const (
	TypeVideoGeneration  Type = "video-generation"
	TypeScriptGeneration Type = "script-generation"
	TypeSceneCreation    Type = "scene-creation"
	TypeAudioSynthesis   Type = "audio-synthesis"
	TypeImageGeneration  Type = "image-generation"
	TypeWorldBuilding    Type = "world-building"
	TypeContentAnalysis  Type = "content-analysis"
	TypeVideoComposition Type = "video-composition"
	TypePersonalization  Type = "personalization"
	TypeAIProcessing     Type = "ai-processing"
)

// requiredFields is the minimal admission schema per type. A payload missing
// any of these fields is rejected before it ever reaches the store.
var requiredFields = map[Type][]string{
	TypeVideoGeneration:  {"userId", "projectId", "prompt"},
	TypeScriptGeneration: {"userId", "projectId", "topic"},
	TypeSceneCreation:    {"userId", "projectId", "sceneSpec"},
	TypeAudioSynthesis:   {"userId", "projectId", "text"},
	TypeImageGeneration:  {"userId", "projectId", "prompt"},
	TypeWorldBuilding:    {"userId", "projectId", "worldName"},
	TypeContentAnalysis:  {"userId", "contentId"},
	TypeVideoComposition: {"userId", "projectId", "sceneIds"},
	TypePersonalization:  {"userId", "profileId"},
	TypeAIProcessing:     {"userId", "input"},
}

// Types returns all registered job types in a stable order.
func Types() []Type {
	return []Type{
		TypeVideoGeneration,
		TypeScriptGeneration,
		TypeSceneCreation,
		TypeAudioSynthesis,
		TypeImageGeneration,
		TypeWorldBuilding,
		TypeContentAnalysis,
		TypeVideoComposition,
		TypePersonalization,
		TypeAIProcessing,
	}
}

// Known reports whether t is a registered job type.
func Known(t Type) bool {
	_, ok := requiredFields[t]
	return ok
}

// RequiredFields returns the admission schema for t (nil for unknown types).
func RequiredFields(t Type) []string { return requiredFields[t] }

// Payload is arbitrary structured job input. Producers own it; after
// admission it is never mutated.
type Payload map[string]any

// UserID extracts the producer's user id for per-user statistics.
func (p Payload) UserID() string {
	v, _ := p["userId"].(string)
	return v
}

// ValidatePayload checks the payload against the required-field schema for t.
// It returns a ValidationError naming the first missing field.
func ValidatePayload(t Type, p Payload) error {
	fields, ok := requiredFields[t]
	if !ok {
		return NewValidation("invalid job type: %s", t)
	}
	for _, f := range fields {
		v, present := p[f]
		if !present || v == nil {
			return NewValidation("payload for %s is missing required field %q", t, f)
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return NewValidation("payload for %s is missing required field %q", t, f)
		}
	}
	return nil
}

// Status is the job lifecycle state. Delayed is a sub-state of waiting used
// while the job's ready time lies in the future.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a unit of requested work persisted in the job store.
//
// Producers create jobs through the queue manager and never mutate them
// afterwards; the worker pool owns status/result/error/attempt updates.
type Job struct {
	ID       string  `json:"id"`
	Type     Type    `json:"type"`
	Payload  Payload `json:"payload"`
	Priority int     `json:"priority"`
	Status   Status  `json:"status"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	TimedOut    bool   `json:"timed_out,omitempty"`

	Result any `json:"result,omitempty"`

	UserID string `json:"user_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ReadyAt    time.Time  `json:"ready_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Delayed reports whether the job is still waiting out its delay at now.
func (j *Job) Delayed(now time.Time) bool {
	return j.Status == StatusWaiting && j.ReadyAt.After(now)
}

// Options tune a single job at admission time.
type Options struct {
	// Priority orders ready jobs of the same type; higher runs first.
	Priority int
	// MaxAttempts overrides the configured retry budget. 0 keeps the default.
	MaxAttempts int
}

// NewID returns a fresh job identifier.
func NewID() string { return uuid.NewString() }

// NewScheduleID returns a fresh recurring-schedule identifier, prefixed so it
// can never be confused with a materialized job id.
func NewScheduleID() string { return fmt.Sprintf("sched-%s", uuid.NewString()) }
