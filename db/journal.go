package db

import (
	"context"
	"database/sql"
	"time"
)

// Journal binds the journal functions to one database handle so the control
// loop can depend on an interface.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) RecordEvent(ctx context.Context, e Event) error {
	return RecordEvent(ctx, j.db, e)
}

func (j *Journal) RecordPhoto(ctx context.Context, p Photo) error {
	return RecordPhoto(ctx, j.db, p)
}

func (j *Journal) LastPhoto(ctx context.Context) (*Photo, error) {
	return LastPhoto(ctx, j.db)
}

func (j *Journal) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	return RecentEvents(ctx, j.db, limit)
}

func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return PruneEvents(ctx, j.db, time.Now().Add(-retention))
}
