package persistence

import (
	"context"

	"github.com/IliaW/url-watcher/internal/model"
)

// SnapshotStorage persists the whole snapshot as one unit.
// Load returns an empty snapshot when nothing has been stored yet.
type SnapshotStorage interface {
	Load(context.Context) (model.Snapshot, error)
	Save(context.Context, model.Snapshot) error
}
