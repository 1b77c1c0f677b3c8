package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Task is the server-owned definition of work
type Task struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

// Execution is one scheduled run of a Task
type Execution struct {
	ID        string   `json:"id"`
	Task      Task     `json:"task"`
	StartTime UnixTime `json:"startTime"`
}

// UnixTime is a timestamp carried on the wire as integer unix seconds
type UnixTime struct {
	time.Time
}

// MarshalJSON encodes the time as unix seconds
func (t UnixTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

// UnmarshalJSON decodes unix seconds
func (t *UnixTime) UnmarshalJSON(data []byte) error {
	var secs int64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("startTime: expected unix seconds: %w", err)
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

// StatusValue is the state reported to the server
type StatusValue string

const (
	StatusStarted   StatusValue = "Started"
	StatusSucceeded StatusValue = "Succeeded"
	StatusFailed    StatusValue = "Failed"
)

// ExecutionStatus is one status report for an execution
type ExecutionStatus struct {
	Value         StatusValue `json:"value"`
	IdempotentKey string      `json:"idempotentKey"`
}

// idempotencyNamespace scopes the derived status keys
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("schedules-runner/execution-status"))

// IdempotencyKey derives the key for one logical transition. Retrying the
// same transition yields the same key so the server can collapse duplicates.
func IdempotencyKey(execID string, value StatusValue) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(execID+"/"+string(value))).String()
}

// NewStatus builds the status report for execID moving to value
func NewStatus(execID string, value StatusValue) ExecutionStatus {
	return ExecutionStatus{
		Value:         value,
		IdempotentKey: IdempotencyKey(execID, value),
	}
}

// StatusUpdate is the POST body of a status report
type StatusUpdate struct {
	Status ExecutionStatus `json:"status"`
}

// UpdateResult is the server's answer to a status report
type UpdateResult struct {
	Result bool `json:"result"`
}
