package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/IliaW/url-watcher/internal/model"
)

// FileRepository stores the snapshot as a gob blob. Page content is kept byte for byte,
// including bytes that are not valid UTF-8.
type FileRepository struct {
	path string
	log  *slog.Logger
}

func NewFileRepository(path string, log *slog.Logger) *FileRepository {
	return &FileRepository{path: path, log: log}
}

func (fr *FileRepository) Load(_ context.Context) (model.Snapshot, error) {
	data, err := os.ReadFile(fr.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fr.log.Debug("no stored snapshots found.", slog.String("path", fr.path))
			return model.Snapshot{}, nil
		}
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}

	snapshot := model.Snapshot{}
	if err = gob.NewDecoder(bytes.NewReader(data)).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot file %s: %w", fr.path, err)
	}
	fr.log.Debug("snapshots loaded.", slog.String("path", fr.path), slog.Int("size", len(snapshot)))

	return snapshot, nil
}

// Save writes to a temporary file in the same directory and renames it over the old one,
// so a crash leaves either the previous or the new snapshot on disk.
func (fr *FileRepository) Save(_ context.Context, snapshot model.Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fr.path), filepath.Base(fr.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, fr.path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	fr.log.Debug("snapshots stored.", slog.String("path", fr.path), slog.Int("size", len(snapshot)))

	return nil
}
