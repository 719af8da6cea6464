package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/IliaW/url-watcher/internal/model"
)

// SnapshotRepository keeps the snapshot in MySQL, one row per URL.
//
//	CREATE TABLE url_snapshot (
//	    url        VARCHAR(2048) NOT NULL,
//	    content    LONGBLOB      NOT NULL,
//	    updated_at TIMESTAMP     NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
//	    PRIMARY KEY (url(512))
//	);
type SnapshotRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSnapshotRepository(db *sql.DB, log *slog.Logger) *SnapshotRepository {
	return &SnapshotRepository{db: db, log: log}
}

func (sr *SnapshotRepository) Load(ctx context.Context) (model.Snapshot, error) {
	rows, err := sr.db.QueryContext(ctx, "SELECT url, content FROM url_snapshot")
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func(rows *sql.Rows) {
		err = rows.Close()
		if err != nil {
			sr.log.Error("failed to close rows.", slog.String("err", err.Error()))
		}
	}(rows)

	snapshot := model.Snapshot{}
	for rows.Next() {
		var url, content string
		if err = rows.Scan(&url, &content); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshot[url] = content
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	sr.log.Debug("snapshots found.", slog.Int("size", len(snapshot)))

	return snapshot, nil
}

// Save replaces the table content in one transaction.
func (sr *SnapshotRepository) Save(ctx context.Context, snapshot model.Snapshot) error {
	tx, err := sr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				sr.log.Error("failed to rollback transaction.", slog.String("err", rbErr.Error()))
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM url_snapshot"); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	for url, content := range snapshot {
		if _, err = tx.ExecContext(ctx, "INSERT INTO url_snapshot (url, content) VALUES (?, ?)", url, content); err != nil {
			return fmt.Errorf("insert snapshot for %s: %w", url, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshots: %w", err)
	}
	sr.log.Debug("snapshots stored.", slog.Int("size", len(snapshot)))

	return nil
}
