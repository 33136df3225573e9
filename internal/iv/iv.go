/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package iv abstracts the inter-node value dissemination tree (spec.md
// GLOSSARY: "IV (value dissemination tree): an external collaborator
// providing eventual delivery of leader→targets and targets→leader
// structured updates with shortcut-to-root and lazy-sync options").
// Only its update/fetch semantics matter to this module (spec.md §1); the
// tree topology and transport are out of scope. Tree is implemented here
// as an in-memory fake so the rebuild coordinator can be exercised
// without a real IV service.
package iv

import (
	"context"
	"sync"
)

// SyncMode mirrors the glossary's "lazy-sync" option.
type SyncMode int

const (
	// SyncNone delivers the update to the in-memory store immediately
	// but does not force any consumer to wake; readers observe it on
	// their next Fetch, and Watch channels are not notified (spec.md
	// §4.3.2: "IV with SHORTCUT_TO_ROOT, SYNC_NONE").
	SyncNone SyncMode = iota
	// SyncEager additionally wakes any blocked Watch callers right away.
	SyncEager
)

// UpdateOpts controls one Update call's delivery semantics.
type UpdateOpts struct {
	ShortcutToRoot bool // bypass intermediate tree levels, go straight to the root/leader
	Sync           SyncMode
}

// Tree is the narrow interface the rebuild coordinator needs from IV.
type Tree interface {
	Update(ctx context.Context, ns, key string, val []byte, opts UpdateOpts) error
	Fetch(ctx context.Context, ns, key string) ([]byte, bool, error)
}

// MemTree is an in-memory Tree: a namespace+key addressed KV store with
// simple fan-out notification for eager-sync watchers.
type MemTree struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
	subs map[string][]chan []byte
}

func NewMemTree() *MemTree {
	return &MemTree{
		data: map[string]map[string][]byte{},
		subs: map[string][]chan []byte{},
	}
}

func (t *MemTree) Update(ctx context.Context, ns, key string, val []byte, opts UpdateOpts) error {
	t.mu.Lock()
	if t.data[ns] == nil {
		t.data[ns] = map[string][]byte{}
	}
	t.data[ns][key] = val
	var watchers []chan []byte
	if opts.Sync == SyncEager {
		watchers = append(watchers, t.subs[ns+"/"+key]...)
	}
	t.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- val:
		default:
			// buffer still holds an older value: drop it so the newest wins.
			select {
			case <-w:
			default:
			}
			select {
			case w <- val:
			default:
			}
		}
	}
	return nil
}

func (t *MemTree) Fetch(ctx context.Context, ns, key string) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.data[ns]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

// Watch returns a channel that receives a copy of val whenever Update is
// called with SyncEager for ns/key. Callers should treat this as
// best-effort (buffered size 1, newest-wins).
func (t *MemTree) Watch(ns, key string) <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan []byte, 1)
	k := ns + "/" + key
	t.subs[k] = append(t.subs[k], ch)
	return ch
}
