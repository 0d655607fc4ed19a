package queue

import (
	"encoding/json"
	"time"

	"relay/internal/util"
)

type State string

const (
	StatePending   State = "PENDING"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Lane orders work within one kind; urgent jobs are reserved before normal ones.
type Lane string

const (
	LaneUrgent Lane = "urgent"
	LaneNormal Lane = "normal"
)

// Lanes in reservation priority order.
var Lanes = []Lane{LaneUrgent, LaneNormal}

type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Lane        Lane            `json:"lane"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	State       State           `json:"state"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	RunAt       time.Time       `json:"runAt"`

	// Receipt is the broker's handle for the current delivery, when it has one.
	Receipt string `json:"-"`
}

func NewJob(kind string, lane Lane, payload json.RawMessage, maxAttempts int, now time.Time) *Job {
	if lane == "" {
		lane = LaneNormal
	}
	return &Job{
		ID:          util.NewIDAt("job_", now),
		Kind:        kind,
		Lane:        lane,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		RunAt:       now,
	}
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}
