package config

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/camfleet/camfleet/internal/log"
)

// WatchBootstrap reloads the bootstrap file on change and hands the result
// to onReload. fsnotify drives the fast path; a slow mtime poll covers
// editors that replace the file and platforms where the watch fails. Only
// fields the daemon treats as reloadable (log level, scan tunables) take
// effect; onReload decides which.
func WatchBootstrap(ctx context.Context, path string, onReload func(Bootstrap)) {
	logger := log.WithComponent("config.watch")

	reload := func() {
		b, err := LoadBootstrap(path)
		if err != nil {
			logger.Warn().Err(err).Msg("bootstrap reload failed, keeping previous config")
			return
		}
		onReload(b)
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(path); err != nil {
			// File may not exist yet; the poll loop still covers it.
			logger.Debug().Err(err).Str("path", path).Msg("fsnotify add failed, polling only")
			watcher.Close()
			watcher = nil
		}
	} else {
		logger.Debug().Err(err).Msg("fsnotify unavailable, polling only")
		watcher = nil
	}

	if watcher != nil {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
						// Editors often fire several events per save.
						time.Sleep(100 * time.Millisecond)
						logger.Info().Str("path", path).Msg("bootstrap config changed, reloading")
						reload()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					logger.Warn().Err(err).Msg("config watcher error")
				}
			}
		}()
	}

	go func() {
		var lastMtime time.Time
		if info, err := os.Stat(path); err == nil {
			lastMtime = info.ModTime()
		}
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if info.ModTime().After(lastMtime) {
					lastMtime = info.ModTime()
					logger.Info().Str("path", path).Msg("bootstrap config mtime changed, reloading")
					reload()
				}
			}
		}
	}()
}
