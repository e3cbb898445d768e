package store

import (
	"fmt"
	"time"
)

// DeadStream is a candidate URL excluded from a channel.
type DeadStream struct {
	Channel  string    `json:"channel"`
	URL      string    `json:"url"`
	Reason   string    `json:"reason"`
	MarkedAt time.Time `json:"markedAt"`
}

// MarkStreamDead excludes url from channel until revived.
func (s *Store) MarkStreamDead(channel, url, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO dead_streams (channel, url, reason, marked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel, url) DO UPDATE SET
			reason = excluded.reason,
			marked_at = excluded.marked_at
	`, channel, url, reason, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark stream dead: %w", err)
	}
	s.log.Debug("{store/dead - MarkStreamDead} %s: stream marked dead (%s)", channel, reason)
	return nil
}

// ReviveStream clears the dead mark for url on channel. An empty url revives
// every stream of the channel.
func (s *Store) ReviveStream(channel, url string) (int64, error) {
	query, args := "DELETE FROM dead_streams WHERE channel = ? AND url = ?", []any{channel, url}
	if url == "" {
		query, args = "DELETE FROM dead_streams WHERE channel = ?", []any{channel}
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to revive stream: %w", err)
	}
	return res.RowsAffected()
}

// IsStreamDead reports whether url is marked dead on channel.
func (s *Store) IsStreamDead(channel, url string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM dead_streams WHERE channel = ? AND url = ?)
	`, channel, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dead stream: %w", err)
	}
	return exists, nil
}

// LoadDeadStreams returns every dead stream, newest first.
func (s *Store) LoadDeadStreams() ([]DeadStream, error) {
	rows, err := s.db.Query(`
		SELECT channel, url, reason, marked_at
		FROM dead_streams
		ORDER BY marked_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead streams: %w", err)
	}
	defer rows.Close()

	var dead []DeadStream
	for rows.Next() {
		var ds DeadStream
		var markedAt int64
		if err := rows.Scan(&ds.Channel, &ds.URL, &ds.Reason, &markedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead stream: %w", err)
		}
		ds.MarkedAt = time.UnixMilli(markedAt)
		dead = append(dead, ds)
	}
	return dead, rows.Err()
}

// DeadStreamSet returns the dead URLs of channel as a set.
func (s *Store) DeadStreamSet(channel string) (map[string]struct{}, error) {
	rows, err := s.db.Query("SELECT url FROM dead_streams WHERE channel = ?", channel)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead streams: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("failed to scan dead stream: %w", err)
		}
		set[url] = struct{}{}
	}
	return set, rows.Err()
}

// CleanupOldDeadStreams forgets dead marks older than olderThan.
func (s *Store) CleanupOldDeadStreams(olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec("DELETE FROM dead_streams WHERE marked_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old dead streams: %w", err)
	}
	return res.RowsAffected()
}
