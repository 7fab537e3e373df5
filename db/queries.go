package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type EventKind string

const (
	KindTransition EventKind = "transition"
	KindEmergency  EventKind = "emergency"
	KindCommand    EventKind = "command"
	KindPhoto      EventKind = "photo"
	KindDiscovery  EventKind = "discovery"
)

type Event struct {
	ID     string    `json:"id"`
	At     time.Time `json:"ts"`
	Kind   EventKind `json:"kind"`
	Role   string    `json:"role,omitempty"`
	Detail string    `json:"detail,omitempty"`
	// Source names what caused the event: "schedule", "mqtt", "api", ...
	Source string `json:"source,omitempty"`
}

type Photo struct {
	ID      string    `json:"id"`
	At      time.Time `json:"ts"`
	Path    string    `json:"path"`
	Trigger string    `json:"trigger"`
}

// timestamps are stored as fixed-width UTC text so they sort lexically
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// RecentEvents returns up to limit events, newest first.
func RecentEvents(ctx context.Context, db *sql.DB, limit int) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, ts, kind, role, detail, source FROM events ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts, kind string
		if err := rows.Scan(&e.ID, &ts, &kind, &e.Role, &e.Detail, &e.Source); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.At = parseTime(ts)
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastPhoto returns the newest photo, or nil when none has been taken.
func LastPhoto(ctx context.Context, db *sql.DB) (*Photo, error) {
	var p Photo
	var ts string
	err := db.QueryRowContext(ctx, `SELECT id, ts, path, trigger FROM photos ORDER BY ts DESC, rowid DESC LIMIT 1`).Scan(&p.ID, &ts, &p.Path, &p.Trigger)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last photo: %w", err)
	}
	p.At = parseTime(ts)
	return &p, nil
}

func CountEvents(db *sql.DB, kind EventKind) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE kind = ?`, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
