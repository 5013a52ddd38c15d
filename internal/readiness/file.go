package readiness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileProbe passes once Path exists. When it is missing, a check watches the
// parent directory and returns as soon as the file is created, or fails when
// the probe context ends.
type FileProbe struct {
	Path string
}

func (p FileProbe) String() string { return "file " + p.Path }

func (p FileProbe) Check(ctx context.Context, _ Target) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return p.stat()
	}
	defer watcher.Close()

	// Watch before the stat so a file created in between is not missed
	dir := filepath.Dir(p.Path)
	if err := watcher.Add(dir); err != nil {
		if statErr := p.stat(); statErr == nil {
			return nil
		}
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	if err := p.stat(); err == nil {
		return nil
	}

	want := filepath.Clean(p.Path)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return p.stat()
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				if err := p.stat(); err == nil {
					return nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return p.stat()
			}
			if err != nil {
				return fmt.Errorf("watching %s: %w", dir, err)
			}
		case <-ctx.Done():
			return fmt.Errorf("%s does not exist yet", p.Path)
		}
	}
}

func (p FileProbe) stat() error {
	if _, err := os.Stat(p.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s does not exist yet", p.Path)
		}
		return err
	}
	return nil
}
