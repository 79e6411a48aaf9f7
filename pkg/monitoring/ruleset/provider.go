/*
Copyright 2025 MedTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ruleset

import (
	"context"
	_ "embed"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

//go:embed ruleset_v1.json
var defaultRulesetJSON []byte

// Default returns the embedded v1 ruleset. The document ships with the
// binary so a fresh deployment schedules correctly before any operator
// upload.
func Default() *Ruleset {
	rs, err := Parse(defaultRulesetJSON)
	if err != nil {
		// The embedded document is validated by the package tests; a parse
		// failure here is a build defect.
		panic(err)
	}
	return rs
}

// Provider hands out the current ruleset. Implementations must be safe
// for concurrent readers.
type Provider interface {
	Current() *Ruleset
}

// Static is a Provider over a fixed ruleset.
type Static struct{ rs *Ruleset }

// NewStatic wraps a parsed ruleset.
func NewStatic(rs *Ruleset) *Static { return &Static{rs: rs} }

func (s *Static) Current() *Ruleset { return s.rs }

// FileProvider serves a ruleset from a file and hot-reloads it when the
// file changes. Readers always observe a complete, validated document;
// a bad write leaves the previous ruleset in place.
type FileProvider struct {
	path    string
	current atomic.Pointer[Ruleset]
	logger  logr.Logger
}

// NewFileProvider loads the ruleset at path. When path is empty the
// embedded default is served and watching is a no-op.
func NewFileProvider(path string, logger logr.Logger) (*FileProvider, error) {
	p := &FileProvider{path: path, logger: logger}
	if path == "" {
		p.current.Store(Default())
		return p, nil
	}
	rs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	p.current.Store(rs)
	return p, nil
}

// Current returns the most recently loaded ruleset.
func (p *FileProvider) Current() *Ruleset { return p.current.Load() }

// Replace swaps in a new ruleset (used when a versioned upload wins over
// the file copy).
func (p *FileProvider) Replace(rs *Ruleset) { p.current.Store(rs) }

// Watch re-loads the ruleset on file writes until ctx is cancelled.
// Reload failures are logged and skipped.
func (p *FileProvider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors and configmap mounts replace the file
	// rather than writing in place.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(p.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				rs, err := LoadFile(p.path)
				if err != nil {
					p.logger.Error(err, "Ruleset reload failed, keeping previous version", "path", p.path)
					continue
				}
				p.current.Store(rs)
				p.logger.Info("Ruleset reloaded", "path", p.path, "version", rs.Version)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Error(err, "Ruleset watcher error")
			}
		}
	}()
	return nil
}
