package database

import (
	"fmt"
	"time"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

// RecordRemediation appends one remediation outcome to the history log.
func (db *DB) RecordRemediation(entry remediate.HistoryEntry) error {
	_, err := db.Exec(`
		INSERT INTO remediation_history
			(occurred_at, media_id, media_title, player_id, username, from_track, to_track, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Time.UTC(), entry.MediaID, entry.MediaTitle, entry.PlayerID,
		entry.Username, entry.FromTrack, entry.ToTrack, string(entry.Outcome), entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to record remediation: %w", err)
	}
	return nil
}

// ListRecentRemediations returns the newest history entries, newest first.
func (db *DB) ListRecentRemediations(limit int) ([]remediate.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Query(`
		SELECT occurred_at, media_id, media_title, player_id, username, from_track, to_track, outcome, detail
		FROM remediation_history
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query remediation history: %w", err)
	}
	defer rows.Close()

	var entries []remediate.HistoryEntry
	for rows.Next() {
		var entry remediate.HistoryEntry
		var occurredAt time.Time
		var outcome string
		if err := rows.Scan(&occurredAt, &entry.MediaID, &entry.MediaTitle, &entry.PlayerID,
			&entry.Username, &entry.FromTrack, &entry.ToTrack, &outcome, &entry.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entry.Time = occurredAt
		entry.Outcome = remediate.Outcome(outcome)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PruneHistory deletes entries older than the retention window.
func (db *DB) PruneHistory(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()
	result, err := db.Exec("DELETE FROM remediation_history WHERE occurred_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune remediation history: %w", err)
	}
	return result.RowsAffected()
}
