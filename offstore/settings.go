// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"context"
	"database/sql"
	"fmt"
)

// SetLocalSetting upserts a device-local key/value setting.
func (s *Store) SetLocalSetting(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("failed to set local setting: %w", err))
	}
	return nil
}

// LocalSetting returns the value for key and whether it exists.
func (s *Store) LocalSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM local_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyStorageErr(fmt.Errorf("failed to get local setting: %w", err))
	}
	return value, true, nil
}

// LocalSettings returns the values for the given keys; missing keys are
// simply absent from the result. Used by the snapshot tool with its
// whitelist.
func (s *Store) LocalSettings(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok, err := s.LocalSetting(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}
