package database

import (
	"database/sql"
	"fmt"
)

// Watermark returns the persisted update-time watermark for a section. An
// unknown section returns zero, which scans the whole section.
func (db *DB) Watermark(section string) (int64, error) {
	var lastSeen int64
	err := db.QueryRow(
		"SELECT last_seen_update_time FROM scan_watermarks WHERE section = ?",
		section,
	).Scan(&lastSeen)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %q: %w", section, err)
	}
	return lastSeen, nil
}

// SetWatermark persists a section's watermark. Watermarks never move
// backwards; a smaller value than the stored one is ignored.
func (db *DB) SetWatermark(section string, lastSeen int64) error {
	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO scan_watermarks (section, last_seen_update_time, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(section) DO UPDATE SET
				last_seen_update_time = MAX(last_seen_update_time, excluded.last_seen_update_time),
				updated_at = CURRENT_TIMESTAMP
		`, section, lastSeen)
		if err != nil {
			return fmt.Errorf("failed to store watermark for %q: %w", section, err)
		}
		return nil
	})
}
