package cron

import (
	"time"

	"github.com/google/uuid"
)

// Schedule describes when a job fires. Kind is one of "cron" (6-field
// expression with seconds), "every" (fixed interval) or "at" (one shot).
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload is what a job asks the handler to do. Task selects a built-in
// maintenance action; Message carries free-form content for custom jobs.
type Payload struct {
	Task    string `json:"task,omitempty"`
	Message string `json:"message,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
}

// Built-in maintenance tasks dispatched by the gateway's job handler.
const (
	TaskCompact      = "memory.compact"
	TaskPrune        = "memory.prune"
	TaskPreloadCycle = "preload.cycle"
)

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Schedule    Schedule `json:"schedule"`
	Payload     Payload  `json:"payload"`
	State       JobState `json:"state"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
