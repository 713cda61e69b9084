// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsValidate(t *testing.T) {
	s := DefaultSettings("school-1")
	require.NoError(t, s.Validate())
	require.Len(t, s.EnabledEntityTypes(), 8)

	et, ok := s.EntityType("attendance")
	require.True(t, ok)
	require.True(t, et.CacheEnabled)
	require.Equal(t, 90, et.RetentionDays)

	_, ok = s.EntityType("nope")
	require.False(t, ok)
}

func TestValidateRejectsBadValues(t *testing.T) {
	s := DefaultSettings("")
	require.Error(t, s.Validate(), "missing school id")

	s = DefaultSettings("school-1")
	s.Priority = "fastest"
	require.Error(t, s.Validate(), "unknown priority")

	s = DefaultSettings("school-1")
	s.PushBatchSize = 0
	require.Error(t, s.Validate())

	s = DefaultSettings("school-1")
	s.EntityTypes[0].Name = ""
	require.Error(t, s.Validate())
}

func TestSettingsYAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")

	orig := DefaultSettings("school-1")
	orig.Priority = PriorityAttendanceFirst
	orig.SyncInterval = Duration(90 * time.Second)
	orig.EntityTypes[2].CacheEnabled = false

	require.NoError(t, SaveSettings(path, orig))
	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	require.Equal(t, orig, loaded)

	// Durations are stored as human-readable strings.
	require.Equal(t, 90*time.Second, time.Duration(loaded.SyncInterval))
	require.NotContains(t, loaded.EnabledEntityTypes(), "classes")
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	bad := DefaultSettings("school-1")
	bad.Priority = "fastest"
	require.NoError(t, SaveSettings(path, bad))

	_, err := LoadSettings(path)
	require.Error(t, err)
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
