// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority selects which entity types drain first during push.
type Priority string

const (
	PriorityAttendanceFirst Priority = "attendance-first"
	PriorityMessagesFirst   Priority = "messages-first"
	PriorityBalanced        Priority = "balanced"
)

// Duration marshals as a human-readable string ("30s", "5m") in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// EntityTypeSettings is the per-entity-type slice of the user-facing sync
// settings: whether the type is cached at all and how long records are kept.
type EntityTypeSettings struct {
	Name             string `yaml:"name"`
	CacheEnabled     bool   `yaml:"cache_enabled"`
	RetentionDays    int    `yaml:"retention_days"`
	RetentionEnabled bool   `yaml:"retention_enabled"`
}

// Settings is the single immutable configuration structure threaded through
// the orchestrator and the retention manager. User-facing, persisted as YAML.
type Settings struct {
	SchoolID string `yaml:"school_id"`
	// DeviceID identifies this installation in the remote change feed, used
	// to recognize echoes of this device's own uploads. Optional; without it
	// echo suppression falls back to payload comparison.
	DeviceID    string               `yaml:"device_id"`
	EntityTypes []EntityTypeSettings `yaml:"entity_types"`

	Priority            Priority `yaml:"priority"`
	AutoSyncOnReconnect bool     `yaml:"auto_sync_on_reconnect"`
	BackgroundSync      bool     `yaml:"background_sync"`
	SyncInterval        Duration `yaml:"sync_interval"`

	MaxStorageBytes int64 `yaml:"max_storage_bytes"`
	PushBatchSize   int   `yaml:"push_batch_size"`
	PullLimit       int   `yaml:"pull_limit"`
	RetryCeiling    int   `yaml:"retry_ceiling"`

	BackoffMin Duration `yaml:"backoff_min"`
	BackoffMax Duration `yaml:"backoff_max"`
}

// DefaultSettings returns settings with the stock entity types enabled and
// conservative sync defaults.
func DefaultSettings(schoolID string) Settings {
	stock := []string{"students", "staff", "classes", "attendance", "messages", "grades", "invoices", "timetable"}
	types := make([]EntityTypeSettings, 0, len(stock))
	for _, name := range stock {
		types = append(types, EntityTypeSettings{
			Name:             name,
			CacheEnabled:     true,
			RetentionDays:    90,
			RetentionEnabled: true,
		})
	}
	return Settings{
		SchoolID:            schoolID,
		EntityTypes:         types,
		Priority:            PriorityBalanced,
		AutoSyncOnReconnect: true,
		BackgroundSync:      true,
		SyncInterval:        Duration(5 * time.Minute),
		MaxStorageBytes:     64 << 20, // 64 MiB
		PushBatchSize:       200,
		PullLimit:           1000,
		RetryCeiling:        5,
		BackoffMin:          Duration(1 * time.Second),
		BackoffMax:          Duration(60 * time.Second),
	}
}

// Validate checks the settings for values the engine cannot run with.
func (s Settings) Validate() error {
	if s.SchoolID == "" {
		return fmt.Errorf("school_id must be provided")
	}
	switch s.Priority {
	case PriorityAttendanceFirst, PriorityMessagesFirst, PriorityBalanced:
	default:
		return fmt.Errorf("unknown sync priority %q", s.Priority)
	}
	if s.PushBatchSize <= 0 || s.PullLimit <= 0 {
		return fmt.Errorf("push batch size and pull limit must be positive")
	}
	for _, et := range s.EntityTypes {
		if et.Name == "" {
			return fmt.Errorf("entity type with empty name")
		}
	}
	return nil
}

// EnabledEntityTypes returns the names of the types the user has caching
// enabled for, in configured order.
func (s Settings) EnabledEntityTypes() []string {
	var out []string
	for _, et := range s.EntityTypes {
		if et.CacheEnabled {
			out = append(out, et.Name)
		}
	}
	return out
}

// EntityType returns the per-type settings for name, if configured.
func (s Settings) EntityType(name string) (EntityTypeSettings, bool) {
	for _, et := range s.EntityTypes {
		if et.Name == name {
			return et, true
		}
	}
	return EntityTypeSettings{}, false
}

// LoadSettings reads settings from a YAML file.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// SaveSettings writes settings to a YAML file.
func SaveSettings(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
