// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

// Subscribe registers fn to be called after any committed change to records
// of entityType. Delivery is at-least-once and rapid successive writes may be
// observed as a single notification by slow subscribers; callbacks must not
// assume one call per write. The returned function removes the subscription.
func (s *Store) Subscribe(entityType string, fn func()) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	byType := s.subs[entityType]
	if byType == nil {
		byType = make(map[int]func())
		s.subs[entityType] = byType
	}
	id := s.nextSub
	s.nextSub++
	byType[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs[entityType], id)
	}
}

// notify fires subscriber callbacks for entityType. Called after the write
// transaction has committed, never inside it.
func (s *Store) notify(entityType string) {
	s.subMu.RLock()
	fns := make([]func(), 0, len(s.subs[entityType]))
	for _, fn := range s.subs[entityType] {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
