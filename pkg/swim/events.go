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

package swim

// Subscriber receives ALIVE/DEAD membership events (spec.md §6.3, §9:
// "a registered list of (fn_ptr, user_arg) pairs invoked under the
// membership lock" in the original — here a plain func value captures
// whatever "user_arg" the caller needs via closure).
type Subscriber func(Event)

type pendingEvent struct {
	ev   Event
	subs []Subscriber
}

// Subscribe registers s to receive future ALIVE/DEAD events.
func (e *Engine) Subscribe(s Subscriber) {
	e.csmLock.Lock()
	e.subscribers = append(e.subscribers, s)
	e.csmLock.Unlock()
}

// flushPendingEvents invokes queued subscriber callbacks outside the
// membership lock (spec.md §9: snapshot-then-invoke). Called by the
// engine's own operations after releasing csmLock.
func (e *Engine) flushPendingEvents() {
	e.csmLock.Lock()
	pending := e.pendingEvents
	e.pendingEvents = nil
	e.csmLock.Unlock()

	for _, p := range pending {
		for _, sub := range p.subs {
			sub(p.ev)
		}
	}
}
