package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// RegistryEntry is one backend endpoint declared by the provisioner.
type RegistryEntry struct {
	Endpoint string            `json:"endpoint"`
	Capacity int               `json:"capacity,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Registry maps a provider kind (llm_chat, llm_vision, sandbox, emulator)
// to its declared endpoints. The file is written by an external provisioner
// and is read-only to the Provider tier.
type Registry map[string][]RegistryEntry

// LoadRegistry reads and validates the registry JSON file.
func LoadRegistry(path string) (Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read registry %s", path)
	}
	reg := Registry{}
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, errors.Wrapf(err, "parse registry %s", path)
	}
	for kind, entries := range reg {
		for i, e := range entries {
			if e.Endpoint == "" {
				return nil, errors.Errorf("registry %s: %s[%d] missing endpoint", path, kind, i)
			}
			if e.Capacity <= 0 {
				entries[i].Capacity = 1
			}
		}
	}
	return reg, nil
}

// WatchRegistry reloads the registry file on SIGHUP and on filesystem
// change, invoking apply with each successfully parsed snapshot. A snapshot
// that fails to parse is logged and skipped; the previous one stays active.
// Returns a stop function.
func WatchRegistry(path string, apply func(Registry)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create registry watcher")
	}
	// Watch the directory: provisioners typically replace the file with a
	// rename, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watch registry dir for %s", path)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})

	reload := func(trigger string) {
		reg, err := LoadRegistry(path)
		if err != nil {
			slog.Warn("registry: reload failed, keeping previous snapshot", "trigger", trigger, "error", err)
			return
		}
		apply(reg)
		slog.Info("registry: reloaded", "trigger", trigger, "kinds", len(reg))
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				reload("sighup")
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload("fsnotify")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("registry: watcher error", "error", err)
			}
		}
	}()

	stop := func() {
		signal.Stop(hup)
		close(done)
		_ = watcher.Close()
	}
	return stop, nil
}
