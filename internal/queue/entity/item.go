package entity

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("queue item not found")
	ErrStateConflict = errors.New("queue item is no longer in the expected state")
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

type UpdateKind string

const (
	StampAdded     UpdateKind = "stamp_added"
	SessionUsed    UpdateKind = "session_used"
	CardCompleted  UpdateKind = "card_completed"
	RewardRedeemed UpdateKind = "reward_redeemed"
	CardUpdated    UpdateKind = "card_updated"
)

func (k UpdateKind) Valid() bool {
	switch k {
	case StampAdded, SessionUsed, CardCompleted, RewardRedeemed, CardUpdated:
		return true
	}
	return false
}

type Platform string

const (
	PlatformApple  Platform = "apple"
	PlatformGoogle Platform = "google"
	PlatformPWA    Platform = "pwa"
)

var AllPlatforms = []Platform{PlatformApple, PlatformGoogle, PlatformPWA}

func (p Platform) Valid() bool {
	switch p {
	case PlatformApple, PlatformGoogle, PlatformPWA:
		return true
	}
	return false
}

// Item is one unit of pass synchronization work. Rows are never deleted.
type Item struct {
	ID              int64           `json:"id,string"`
	CardID          string          `json:"cardId"`
	UpdateKind      UpdateKind      `json:"updateKind"`
	TargetPlatforms []Platform      `json:"targetPlatforms"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	State           State           `json:"state"`
	RetryCount      int             `json:"retryCount"`
	LastError       string          `json:"lastError,omitempty"`
	ErrorCategory   string          `json:"errorCategory,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	AvailableAt     time.Time       `json:"availableAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
}

func (i Item) Terminal() bool {
	return i.State == StateCompleted || i.State == StateFailed
}

// Failure records one failed attempt. Retry decides whether the item returns
// to pending at AvailableAt or is parked as failed.
type Failure struct {
	Message     string
	Category    string
	Retry       bool
	AvailableAt time.Time
	At          time.Time
}

// Stats is a queue snapshot for health reporting.
type Stats struct {
	Pending         int        `json:"pending" db:"pending"`
	Processing      int        `json:"processing" db:"processing"`
	CompletedRecent int        `json:"completedRecent" db:"completed_recent"`
	FailedRecent    int        `json:"failedRecent" db:"failed_recent"`
	FailedTotal     int        `json:"failedTotal" db:"failed_total"`
	OldestPending   *time.Time `json:"oldestPending,omitempty" db:"oldest_pending"`
}

// SuccessRate is completed/(completed+failed) over the stats window, 1 when idle.
func (s Stats) SuccessRate() float64 {
	done := s.CompletedRecent + s.FailedRecent
	if done == 0 {
		return 1
	}
	return float64(s.CompletedRecent) / float64(done)
}
