package store

import (
	"fmt"
	"time"
)

// Outcome is how a playback session ended.
type Outcome struct {
	Session    string    `json:"session"`
	Channel    string    `json:"channel,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	Fallbacks  int       `json:"fallbacks"`
	Recoveries int       `json:"recoveries"`
	RecordedAt time.Time `json:"recordedAt"`
}

// RecordOutcome appends o. A zero RecordedAt is stamped with the current time.
func (s *Store) RecordOutcome(o Outcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO session_outcomes
			(session, channel, url, status, kind, message, fallbacks, recoveries, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.Session, o.Channel, o.URL, o.Status, o.Kind, o.Message, o.Fallbacks, o.Recoveries, o.RecordedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes, newest first.
func (s *Store) RecentOutcomes(limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT session, channel, url, status, kind, message, fallbacks, recoveries, recorded_at
		FROM session_outcomes
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load session outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var recordedAt int64
		if err := rows.Scan(&o.Session, &o.Channel, &o.URL, &o.Status, &o.Kind, &o.Message,
			&o.Fallbacks, &o.Recoveries, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session outcome: %w", err)
		}
		o.RecordedAt = time.UnixMilli(recordedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
