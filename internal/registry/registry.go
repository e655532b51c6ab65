package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shellpod/shellpod/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Session{}, &SessionCredential{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"default_instance_image": config.Cfg.InstanceImage,
		"default_sync_mode":      SyncModeFull,
		"idle_eviction_timeout":  config.Cfg.IdleEviction,
		"sync_interval":          "60s",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Session helpers

func GetSession(sessionID string) (*Session, error) {
	var s Session
	if err := DB.Where("session_id = ?", sessionID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func CreateSession(s *Session) error {
	return DB.Create(s).Error
}

func DeleteSession(sessionID string) error {
	var s Session
	if err := DB.Where("session_id = ?", sessionID).First(&s).Error; err != nil {
		return err
	}
	DB.Where("session_ref = ?", s.ID).Delete(&SessionCredential{})
	return DB.Delete(&s).Error
}

func ListSessions(owner string) ([]Session, error) {
	var sessions []Session
	q := DB.Order("sort_order ASC, id ASC")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// SetSessionStatus writes a status transition. Every transition also bumps
// updated_at so pollers can detect staleness.
func SetSessionStatus(sessionID, status string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == StatusStarting {
		updates["last_started_at"] = time.Now().UTC()
	}
	return DB.Model(&Session{}).Where("session_id = ?", sessionID).Updates(updates).Error
}

func TouchSessionActivity(sessionID string) error {
	return DB.Model(&Session{}).Where("session_id = ?", sessionID).
		Update("last_active_at", time.Now().UTC()).Error
}

// CountRunning reports sessions whose instance has a live backing process.
// Feeds the activity tracker's activeSessions figure.
func CountRunning() (int, error) {
	var count int64
	err := DB.Model(&Session{}).Where("status IN ?", []string{StatusRunning, StatusStarting}).Count(&count).Error
	return int(count), err
}

// Tabs decodes the session's ordered tab configuration.
func (s *Session) Tabs() ([]TabConfig, error) {
	var tabs []TabConfig
	if s.TabsJSON == "" {
		return tabs, nil
	}
	if err := json.Unmarshal([]byte(s.TabsJSON), &tabs); err != nil {
		return nil, fmt.Errorf("decode tab config: %w", err)
	}
	return tabs, nil
}

func (s *Session) SetTabs(tabs []TabConfig) error {
	b, err := json.Marshal(tabs)
	if err != nil {
		return fmt.Errorf("encode tab config: %w", err)
	}
	s.TabsJSON = string(b)
	return DB.Model(s).Update("tabs_json", s.TabsJSON).Error
}
