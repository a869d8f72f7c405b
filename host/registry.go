// Copyright 2025 The frontwatch authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package host

import (
	"fmt"
	"sort"
	"sync"
)

// Entry describes a registered host adapter.
type Entry struct {
	Name        string
	Description string
	NewFunc     func(Config) (Source, error)
}

var (
	registry   = make(map[string]Entry)
	registryMu sync.RWMutex
)

// Register adds a host adapter to the registry. Adapters call this from
// init(); registering the same name twice panics.
func Register(entry Entry) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[entry.Name]; ok {
		panic(fmt.Sprintf("host adapter %q registered twice", entry.Name))
	}
	registry[entry.Name] = entry
}

// New creates the named host adapter from the registry.
func New(name string, cfg Config) (Source, error) {
	registryMu.RLock()
	entry, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("host adapter %q not found", name)
	}
	src, err := entry.NewFunc(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating host adapter %q: %w", name, err)
	}
	return src, nil
}

// Adapters returns the registered adapters sorted by name.
func Adapters() []Entry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	entries := make([]Entry, 0, len(registry))
	for _, entry := range registry {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}
