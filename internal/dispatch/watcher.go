package dispatch

import (
	"context"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "routined/pkg/logx"
)

const (
	watchDebounce     = 250 * time.Millisecond
	watchRetryBase    = time.Second
	watchRetryMax     = 30 * time.Second
	watchRetryCeiling = 6
)

// Watcher reloads the dispatcher when the routines file changes on disk.
// It watches the parent directory (editors replace files via rename, which
// drops a watch on the file itself) and debounces bursts of events.
type Watcher struct {
	d   *Dispatcher
	log logx.Logger
}

// NewWatcher wires a watcher to d.
func NewWatcher(d *Dispatcher, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{d: d, log: log}
}

// Run blocks until ctx is done. If the underlying watcher breaks it is
// recreated with jittered exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := retryDelay(attempt)
		w.log.Warn("catalogue watch interrupted; restarting",
			logx.Err(err),
			logx.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	target := w.d.Store().Path()
	dir := filepath.Dir(target)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.log.Debug("watching catalogue", logx.String("path", target))

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(target) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				fire = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
		case <-fire:
			debounce = nil
			fire = nil
			// the store's own saves land here too; skip those
			w.d.ReloadIfChanged()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt > watchRetryCeiling {
		attempt = watchRetryCeiling
	}
	d := watchRetryBase << (attempt - 1)
	if d > watchRetryMax {
		d = watchRetryMax
	}
	// jitter to avoid thundering reconnects alongside other watchers
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
