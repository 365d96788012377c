package limits

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/gantryproject/gantry/api/common"
	"github.com/sirupsen/logrus"
)

// Watch applies a non-forced reload whenever the org-limits file changes on
// disk, until ctx is cancelled. Watching the parent directory survives the
// rename-over-write pattern editors and configmap mounts use.
func (s *Store) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		log := common.Logger(ctx).WithFields(logrus.Fields{"path": path})
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if n, err := s.Reload(ctx, path, false); err != nil {
					log.WithError(err).Error("org limits file changed but reload failed")
				} else {
					log.WithFields(logrus.Fields{"entries": n}).Info("org limits file changed, reloaded")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Error("org limits file watcher error")
			}
		}
	}()

	return nil
}
