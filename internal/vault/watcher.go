// Copyright (C) 2019 Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package vault

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/passman/passman/internal/logger"
)

// Watcher reloads the in-memory vault copy when another process modifies
// the vault file. The parent directory is watched because the desktop
// editor writes through a temp file and a rename. Events are debounced
// with a quiescence interval so a reload sees the completed write
type Watcher struct {
	vault      *Vault
	quiescence time.Duration
	watcher    *fsnotify.Watcher
	done       chan struct{}
}

// NewWatcher starts watching the vault file. A zero quiescence defaults
// to 500 milliseconds
func NewWatcher(v *Vault, quiescence time.Duration) (*Watcher, error) {
	if quiescence <= 0 {
		quiescence = 500 * time.Millisecond
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(v.Path())); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w := &Watcher{
		vault:      v,
		quiescence: quiescence,
		watcher:    fsWatcher,
		done:       make(chan struct{}),
	}
	go w.run()
	logger.Debug(logSender, "", "watching vault file %q for changes", v.Path())
	return w, nil
}

// Close stops the watcher
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isVaultEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.quiescence)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.quiescence)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn(logSender, "", "vault watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) isVaultEvent(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != filepath.Base(w.vault.Path()) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	if !w.vault.IsUnlocked() {
		logger.Debug(logSender, "", "vault file changed while locked, skipping reload")
		return
	}
	if err := w.vault.Reload(); err != nil {
		logger.Error(logSender, "", "vault reload after external change failed: %v", err)
		return
	}
	logger.Info(logSender, "", "vault reloaded after external change")
}
