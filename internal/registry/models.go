package registry

import (
	"fmt"
	"time"
)

// Session statuses. Mutated only by the lifecycle controller.
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusError    = "error"
)

// Sync modes controlling how much of the workspace the synchronizer moves.
const (
	SyncModeNone     = "none"
	SyncModeMetadata = "metadata"
	SyncModeFull     = "full"
)

type Session struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID     string    `gorm:"uniqueIndex;not null;size:64" json:"session_id"`
	Owner         string    `gorm:"not null;index" json:"owner"`
	Profile       string    `gorm:"default:''" json:"profile"`
	Bucket        string    `gorm:"not null" json:"bucket"`
	TabsJSON      string    `gorm:"type:text;default:'[]'" json:"-"` // JSON: [{"id":"1","command":"","label":""}]
	SyncMode      string    `gorm:"not null;default:full" json:"sync_mode"`
	Status        string    `gorm:"not null;default:stopped" json:"status"`
	SortOrder     int       `gorm:"not null;default:0" json:"sort_order"`
	LastStartedAt time.Time `json:"last_started_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Credentials []SessionCredential `gorm:"foreignKey:SessionRef" json:"-"`
}

// RegistryKey is the durable lookup key for a session record.
func (s *Session) RegistryKey() string {
	return fmt.Sprintf("session:%s:%s", s.Bucket, s.SessionID)
}

// SessionCredential holds a fernet-encrypted bucket credential pushed to the
// instance at bind time.
type SessionCredential struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SessionRef uint   `gorm:"not null;uniqueIndex:idx_sess_cred"`
	Name       string `gorm:"not null;uniqueIndex:idx_sess_cred"` // e.g. "ACCESS_KEY_ID"
	ValueEnc   string `json:"-"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TabConfig is one entry of a session's ordered tab configuration.
type TabConfig struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Label   string `json:"label"`
}
