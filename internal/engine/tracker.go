package engine

import (
	"context"
	"fmt"
	"sync"
)

type trackedEntry struct {
	current   *WorkItem
	revisions map[int]*WorkItem
}

// ChangeSet is the classification of dirty work items at save time.
type ChangeSet struct {
	Created  []*WorkItem
	Updated  []*WorkItem
	Deleted  []*WorkItem
	Restored []*WorkItem
}

// Empty reports whether nothing needs saving.
func (c ChangeSet) Empty() bool {
	return len(c.Created)+len(c.Updated)+len(c.Deleted)+len(c.Restored) == 0
}

// Tracker is the identity map of one rule invocation. It owns the temporary id
// watermark, so two invocations never share temporary ids.
type Tracker struct {
	mu        sync.Mutex
	items     map[WorkItemID]*trackedEntry
	order     []WorkItemID
	watermark int
}

func NewTracker() *Tracker {
	return &Tracker{items: make(map[WorkItemID]*trackedEntry)}
}

// NextWatermark returns a fresh temporary id value, strictly decreasing from -1.
func (t *Tracker) NextWatermark() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watermark--
	return t.watermark
}

func (t *Tracker) TrackNew(item *WorkItem) error {
	if !item.ID().IsTemporary() {
		return fmt.Errorf("track new %s: identity is not temporary", item.ID())
	}
	return t.trackCurrent(item)
}

func (t *Tracker) TrackExisting(item *WorkItem) error {
	return t.trackCurrent(item)
}

func (t *Tracker) trackCurrent(item *WorkItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := item.ID()
	entry, ok := t.items[id]
	if ok && entry.current != nil {
		return fmt.Errorf("work item %s: %w", id, ErrAlreadyTracked)
	}
	if !ok {
		entry = &trackedEntry{}
		t.items[id] = entry
	}
	entry.current = item
	t.order = append(t.order, id)
	return nil
}

// TrackRevision registers a historical snapshot next to the current item. It never
// replaces the current item.
func (t *Tracker) TrackRevision(item *WorkItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.items[item.ID()]
	if !ok {
		entry = &trackedEntry{}
		t.items[item.ID()] = entry
	}
	if entry.revisions == nil {
		entry.revisions = make(map[int]*WorkItem)
	}
	entry.revisions[item.Rev()] = item
}

// Lookup returns the current tracked item for id.
func (t *Tracker) Lookup(id WorkItemID) (*WorkItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.items[id]
	if !ok || entry.current == nil {
		return nil, false
	}
	return entry.current, true
}

// Revision returns a tracked historical snapshot.
func (t *Tracker) Revision(id WorkItemID, rev int) (*WorkItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.items[id]
	if !ok {
		return nil, false
	}
	item, ok := entry.revisions[rev]
	return item, ok
}

// Load returns the tracked item or invokes loader. The loader registers what it
// fetched through TrackExisting.
func (t *Tracker) Load(ctx context.Context, id WorkItemID, loader func(context.Context, WorkItemID) (*WorkItem, error)) (*WorkItem, error) {
	if item, ok := t.Lookup(id); ok {
		return item, nil
	}
	return loader(ctx, id)
}

// LoadMany serves tracked ids from the map and calls loader once with the rest.
// The result order does not follow ids.
func (t *Tracker) LoadMany(ctx context.Context, ids []WorkItemID, loader func(context.Context, []WorkItemID) ([]*WorkItem, error)) ([]*WorkItem, error) {
	var found []*WorkItem
	var missing []WorkItemID
	seen := make(map[WorkItemID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if item, ok := t.Lookup(id); ok {
			found = append(found, item)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return found, nil
	}
	loaded, err := loader(ctx, missing)
	if err != nil {
		return nil, err
	}
	return append(found, loaded...), nil
}

// ChangedEntities classifies dirty, writable items. It has no side effects.
func (t *Tracker) ChangedEntities() ChangeSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cs ChangeSet
	for _, id := range t.order {
		entry, ok := t.items[id]
		if !ok || entry.current == nil {
			continue
		}
		item := entry.current
		if item.IsReadOnly() || !item.IsDirty() {
			continue
		}
		if item.IsNew() {
			cs.Created = append(cs.Created, item)
			continue
		}
		switch item.RecycleStatus() {
		case ToDelete:
			cs.Deleted = append(cs.Deleted, item)
		case ToRestore:
			cs.Restored = append(cs.Restored, item)
		default:
			cs.Updated = append(cs.Updated, item)
		}
	}
	return cs
}

// Tracked returns every current item in registration order.
func (t *Tracker) Tracked() []*WorkItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*WorkItem, 0, len(t.order))
	for _, id := range t.order {
		if entry, ok := t.items[id]; ok && entry.current != nil {
			out = append(out, entry.current)
		}
	}
	return out
}

// rekey moves an entry from a temporary identity to its permanent one.
func (t *Tracker) rekey(oldID, newID WorkItemID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.items[oldID]
	if !ok {
		return
	}
	delete(t.items, oldID)
	t.items[newID] = entry
	for i, id := range t.order {
		if id == oldID {
			t.order[i] = newID
		}
	}
}
