// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrStorageUnavailable marks local persistence failures (quota exceeded,
// corruption, I/O errors). Writes that hit it are never silently dropped;
// callers must retry or alert the user.
var ErrStorageUnavailable = errors.New("storage unavailable")

// classifyStorageErr wraps unrecoverable SQLite failures in
// ErrStorageUnavailable so callers can match with errors.Is. Other errors
// pass through unchanged.
func classifyStorageErr(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrFull, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return err
}
