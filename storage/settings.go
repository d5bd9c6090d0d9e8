package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const compressSetting = "compress"

func boolSetting(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// CompressEnabled reports whether new blobs should be stored compressed.
func (s *SqliteStorage) CompressEnabled(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE setting = ?", compressSetting).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load compress setting: %w", err)
	}
	return value == "1", nil
}

// SetCompressEnabled changes the compress setting. Rows already stored keep
// their own encoding.
func (s *SqliteStorage) SetCompressEnabled(ctx context.Context, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (setting, value) VALUES (?, ?)
		ON CONFLICT(setting) DO UPDATE SET value = excluded.value`,
		compressSetting, boolSetting(enabled))
	if err != nil {
		return fmt.Errorf("%w: update compress setting: %w", ErrWrite, err)
	}
	return nil
}
