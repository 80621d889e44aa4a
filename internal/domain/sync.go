package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Trigger string

const (
	TriggerWebhook  Trigger = "webhook"
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

type SyncPhase string

const (
	PhaseIdle        SyncPhase = "idle"
	PhaseFetching    SyncPhase = "fetching"
	PhaseReconciling SyncPhase = "reconciling"
	PhaseCommitting  SyncPhase = "committing"
	PhaseFailed      SyncPhase = "failed"
)

// PhaseFunc observes phase transitions of a running sync.
type PhaseFunc func(SyncPhase)

type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomePartial SyncOutcome = "partial"
	OutcomeFailed  SyncOutcome = "failed"
)

// ProviderResult is the per-provider line of a sync run.
type ProviderResult struct {
	Provider string `json:"provider"`
	Version  string `json:"version"`
	Added    int    `json:"added"`
	Updated  int    `json:"updated"`
	Removed  int    `json:"removed"`
	Error    string `json:"error,omitempty"`
}

type ProviderResults []ProviderResult

func (p ProviderResults) Value() (driver.Value, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p)
}

func (p *ProviderResults) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	}
	return fmt.Errorf("scan provider results: unsupported type %T", src)
}

// SyncRun records one execution of the fetch, reconcile and commit cycle.
type SyncRun struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Trigger      Trigger         `json:"trigger" db:"trigger"`
	Attempt      int             `json:"attempt" db:"attempt"`
	Phase        SyncPhase       `json:"phase" db:"phase"`
	Outcome      SyncOutcome     `json:"outcome,omitempty" db:"outcome"`
	StartedAt    time.Time       `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	Added        int             `json:"added" db:"added"`
	Updated      int             `json:"updated" db:"updated"`
	Removed      int             `json:"removed" db:"removed"`
	IndexVersion int64           `json:"index_version" db:"index_version"`
	Error        string          `json:"error,omitempty" db:"error"`
	Providers    ProviderResults `json:"providers" db:"providers"`
}

func NewSyncRun(trigger Trigger, attempt int) *SyncRun {
	return &SyncRun{
		ID:        uuid.New(),
		Trigger:   trigger,
		Attempt:   attempt,
		Phase:     PhaseIdle,
		StartedAt: time.Now().UTC(),
	}
}

func (r *SyncRun) Finish(outcome SyncOutcome, err error) {
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.Outcome = outcome
	if err != nil {
		r.Error = err.Error()
		r.Phase = PhaseFailed
		return
	}
	r.Phase = PhaseIdle
}

func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// IndexEvent announces a committed index version to downstream consumers.
type IndexEvent struct {
	Version     int64           `json:"version"`
	CommittedAt time.Time       `json:"committed_at"`
	RunID       uuid.UUID       `json:"run_id"`
	Trigger     Trigger         `json:"trigger"`
	Added       int             `json:"added"`
	Updated     int             `json:"updated"`
	Removed     int             `json:"removed"`
	Providers   ProviderResults `json:"providers"`
}
