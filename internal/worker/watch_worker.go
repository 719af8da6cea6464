package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IliaW/url-watcher/internal/cache"
	"github.com/IliaW/url-watcher/internal/detector"
	"github.com/IliaW/url-watcher/internal/fetcher"
	"github.com/IliaW/url-watcher/internal/model"
	"github.com/IliaW/url-watcher/internal/persistence"
)

type ChangeNotifier interface {
	Notify(context.Context, *model.ChangeEvent) error
}

// WatchWorker runs the seeding phase and then the polling loop on a single goroutine.
// It owns the in-memory snapshot; nothing else reads or writes it.
type WatchWorker struct {
	Targets   []*model.WatchTarget
	Interval  time.Duration
	PanicChan chan struct{}
	Fetcher   fetcher.Fetcher
	Detector  *detector.Detector
	Db        persistence.SnapshotStorage
	Notifier  ChangeNotifier
	Cache     cache.CachedClient // optional
	Log       *slog.Logger

	snapshot model.Snapshot
	dirty    bool
	// digests of changes notified but not yet persisted, by url
	pending map[string][]string
}

// Run blocks until ctx is cancelled. It returns an error only if the snapshot can't be loaded or seeded.
func (w *WatchWorker) Run(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("PANIC!", slog.Any("err", r))
			if w.PanicChan != nil {
				w.PanicChan <- struct{}{}
			}
		}
	}()
	w.Log.Debug("starting watch worker...")

	if err := w.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			w.Log.Info("stopping watch worker.")
			return nil
		case <-time.After(w.Interval):
		}
		w.PollRound(ctx)
	}
}

// Start loads the stored snapshot and seeds every target that has no entry yet.
// On the first run that is every target.
func (w *WatchWorker) Start(ctx context.Context) error {
	snapshot, err := w.Db.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}
	w.snapshot = snapshot
	w.pending = make(map[string][]string)

	var missing []*model.WatchTarget
	for _, t := range w.Targets {
		if _, ok := w.snapshot[t.URL]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		w.Log.Info("using stored snapshots for urls ...", slog.Int("size", len(w.snapshot)))
		return nil
	}
	if len(w.snapshot) == 0 {
		w.Log.Info("generating snapshots for urls NOW ...")
	} else {
		w.Log.Info("generating snapshots for new urls ...", slog.Int("count", len(missing)))
	}

	return w.seed(ctx, missing)
}

func (w *WatchWorker) seed(ctx context.Context, targets []*model.WatchTarget) error {
	for _, t := range targets {
		res := w.Fetcher.Fetch(ctx, t)
		if !res.Success() {
			w.Log.Warn("could not generate snapshot, will retry next round.", slog.String("url", t.URL),
				slog.Int("status", res.StatusCode), slog.String("err", res.Err.Error()))
			continue
		}
		w.snapshot[t.URL] = res.Body
	}
	if err := w.Db.Save(ctx, w.snapshot); err != nil {
		return fmt.Errorf("failed to store snapshots: %w", err)
	}
	w.Log.Debug("snapshots stored.")

	return nil
}

// PollRound fetches every target once, in configuration order. A failure on one target
// never affects the others.
func (w *WatchWorker) PollRound(ctx context.Context) {
	if w.dirty {
		w.persist(ctx)
	}
	for _, t := range w.Targets {
		if ctx.Err() != nil {
			return
		}
		w.check(ctx, t)
	}
}

func (w *WatchWorker) check(ctx context.Context, t *model.WatchTarget) {
	res := w.Fetcher.Fetch(ctx, t)
	if !res.Success() {
		if errors.Is(res.Err, fetcher.ErrUnsuccessfulStatus) {
			w.Log.Warn("request not successful, skipping comparison this time.", slog.String("url", t.URL),
				slog.Int("status", res.StatusCode))
		} else {
			w.Log.Error("exception during request.", slog.String("url", t.URL), slog.Int("status", res.StatusCode),
				slog.String("err", res.Err.Error()))
		}
		return
	}

	old, ok := w.snapshot[t.URL]
	if !ok {
		w.Log.Info("no snapshot for url yet, storing current data.", slog.String("url", t.URL))
		w.snapshot[t.URL] = res.Body
		w.persist(ctx)
		return
	}
	if !w.Detector.Changed(old, res.Body) {
		w.Log.Debug("no difference detected.", slog.String("url", t.URL))
		return
	}

	w.Log.Info("difference detected for url, sending notification.", slog.String("url", t.URL))
	digest := w.Detector.Digest(old) + ":" + w.Detector.Digest(res.Body)
	if w.Cache != nil && w.Cache.CheckIfNotified(t.URL, digest) {
		w.Log.Info("change was already notified, updating snapshot only.", slog.String("url", t.URL))
	} else {
		event := &model.ChangeEvent{
			URL:        t.URL,
			OldText:    old,
			NewText:    res.Body,
			DetectedAt: time.Now(),
		}
		if err := w.Notifier.Notify(ctx, event); err != nil {
			w.Log.Error("failed to notify change, will retry next round.", slog.String("url", t.URL),
				slog.String("err", err.Error()))
			return
		}
		if w.Cache != nil {
			_ = w.Cache.MarkNotified(t.URL, digest)
		}
	}

	w.snapshot[t.URL] = res.Body
	w.pending[t.URL] = append(w.pending[t.URL], digest)
	w.persist(ctx)
}

// persist saves the whole snapshot. On failure the snapshot stays dirty and the next round saves it again.
func (w *WatchWorker) persist(ctx context.Context) {
	if err := w.Db.Save(ctx, w.snapshot); err != nil {
		w.dirty = true
		w.Log.Error("failed to store snapshots, will retry next round.", slog.String("err", err.Error()))
		return
	}
	w.dirty = false
	w.Log.Debug("snapshots stored.")

	if w.Cache != nil {
		for url, digests := range w.pending {
			for _, digest := range digests {
				_ = w.Cache.Forget(url, digest)
			}
		}
	}
	clear(w.pending)
}

// Snapshot returns a copy of the in-memory snapshot.
func (w *WatchWorker) Snapshot() model.Snapshot {
	return w.snapshot.Clone()
}
