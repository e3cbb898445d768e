package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveStreamOrder stores the preferred candidate order for a channel as a
// list of stream URLs.
func (s *Store) SaveStreamOrder(channel string, urls []string) error {
	orderJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("failed to marshal stream order: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO stream_orders (channel, stream_urls, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			stream_urls = excluded.stream_urls,
			updated_at = excluded.updated_at
	`, channel, string(orderJSON), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save stream order: %w", err)
	}
	return nil
}

// LoadStreamOrder returns the stored order for channel, or nil if none.
func (s *Store) LoadStreamOrder(channel string) ([]string, error) {
	var orderJSON string
	err := s.db.QueryRow("SELECT stream_urls FROM stream_orders WHERE channel = ?", channel).Scan(&orderJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream order: %w", err)
	}

	var urls []string
	if err := json.Unmarshal([]byte(orderJSON), &urls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream order: %w", err)
	}
	return urls, nil
}

// DeleteStreamOrder removes the stored order for channel.
func (s *Store) DeleteStreamOrder(channel string) error {
	if _, err := s.db.Exec("DELETE FROM stream_orders WHERE channel = ?", channel); err != nil {
		return fmt.Errorf("failed to delete stream order: %w", err)
	}
	return nil
}
