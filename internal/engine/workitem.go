package engine

import (
	"context"
	"iter"
	"maps"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/tiendc/go-deepcopy"

	"aggregator/internal/domain"
)

const (
	fieldsPrefix = "/fields/"
	idPath       = "/id"
	revPath      = "/rev"
)

// RecycleStatus is a pending soft-delete or restore intent.
type RecycleStatus int

const (
	NoChange RecycleStatus = iota
	ToDelete
	ToRestore
)

func (s RecycleStatus) String() string {
	switch s {
	case ToDelete:
		return "to-delete"
	case ToRestore:
		return "to-restore"
	default:
		return "no-change"
	}
}

// WorkItem is the mutable view rule code works with. Every mutation is recorded as
// a pending patch operation. Items are owned by the Store's Tracker.
type WorkItem struct {
	store     *Store
	id        WorkItemID
	rev       int
	url       string
	readOnly  bool
	dirty     bool
	deleted   bool
	recycle   RecycleStatus
	fields    map[string]any
	changes   domain.PatchDocument
	relations *RelationCollection
}

func newExistingWorkItem(s *Store, src domain.WorkItem) (*WorkItem, error) {
	w := fromRemote(s, src)
	if s.opts.EnableRevisionCheck {
		w.changes = append(w.changes, domain.PatchOperation{Op: domain.OpTest, Path: revPath, Value: w.rev})
	}
	if err := s.tracker.TrackExisting(w); err != nil {
		return nil, err
	}
	return w, nil
}

func newRevisionWorkItem(s *Store, src domain.WorkItem) *WorkItem {
	w := fromRemote(s, src)
	w.readOnly = true
	s.tracker.TrackRevision(w)
	return w
}

func newWorkItem(s *Store, project, workItemType string) (*WorkItem, error) {
	id := TemporaryID(s.tracker.NextWatermark())
	w := &WorkItem{
		store: s,
		id:    id,
		url:   workItemURL(s.client.BaseURL(), id),
		fields: map[string]any{
			domain.FieldTeamProject:  project,
			domain.FieldWorkItemType: workItemType,
		},
	}
	w.relations = newRelationCollection(w, nil)
	w.appendChange(domain.PatchOperation{Op: domain.OpAdd, Path: idPath, Value: id.Value()})
	if err := s.tracker.TrackNew(w); err != nil {
		return nil, err
	}
	return w, nil
}

func fromRemote(s *Store, src domain.WorkItem) *WorkItem {
	fields := make(map[string]any, len(src.Fields))
	if err := deepcopy.Copy(&fields, &src.Fields); err != nil || fields == nil {
		fields = maps.Clone(src.Fields)
		if fields == nil {
			fields = make(map[string]any)
		}
	}
	snapshot := make([]Relation, 0, len(src.Relations))
	for _, r := range src.Relations {
		var attrs map[string]any
		if r.Attributes != nil {
			attrs = maps.Clone(r.Attributes)
		}
		snapshot = append(snapshot, Relation{Rel: r.Rel, URL: r.URL, Attributes: attrs})
	}
	id := PermanentID(src.ID)
	url := src.URL
	if url == "" {
		url = workItemURL(s.client.BaseURL(), id)
	}
	w := &WorkItem{
		store:   s,
		id:      id,
		rev:     src.Rev,
		url:     url,
		deleted: src.IsDeleted,
		fields:  fields,
	}
	w.relations = newRelationCollection(w, snapshot)
	return w
}

func (w *WorkItem) ID() WorkItemID { return w.id }

// Rev is the remote revision; zero for items not created yet.
func (w *WorkItem) Rev() int { return w.rev }

func (w *WorkItem) URL() string { return w.url }

func (w *WorkItem) IsNew() bool { return w.id.IsTemporary() }

func (w *WorkItem) IsDirty() bool { return w.dirty }

func (w *WorkItem) IsReadOnly() bool { return w.readOnly }

// IsDeleted reports whether the item currently sits in the remote recycle bin.
func (w *WorkItem) IsDeleted() bool { return w.deleted }

func (w *WorkItem) RecycleStatus() RecycleStatus { return w.recycle }

func (w *WorkItem) Relations() *RelationCollection { return w.relations }

// Changes returns a copy of the pending patch operations.
func (w *WorkItem) Changes() domain.PatchDocument {
	out := make(domain.PatchDocument, len(w.changes))
	copy(out, w.changes)
	return out
}

// Fields returns a copy of the field map.
func (w *WorkItem) Fields() map[string]any {
	return maps.Clone(w.fields)
}

func (w *WorkItem) Get(field string) (any, bool) {
	v, ok := w.fields[field]
	return v, ok
}

func (w *WorkItem) GetString(field string) string {
	v := w.fields[field]
	if name, ok := identityName(v); ok {
		return name
	}
	return cast.ToString(v)
}

func (w *WorkItem) GetInt(field string) int { return cast.ToInt(w.fields[field]) }

func (w *WorkItem) GetFloat(field string) float64 { return cast.ToFloat64(w.fields[field]) }

func (w *WorkItem) GetBool(field string) bool { return cast.ToBool(w.fields[field]) }

func (w *WorkItem) GetTime(field string) time.Time { return cast.ToTime(w.fields[field]) }

// Set writes a field and records an add (field absent) or replace operation.
func (w *WorkItem) Set(field string, value any) error {
	if w.readOnly {
		return ErrReadOnly
	}
	op := domain.OpAdd
	if _, ok := w.fields[field]; ok {
		op = domain.OpReplace
	}
	w.fields[field] = value
	w.appendChange(domain.PatchOperation{Op: op, Path: fieldsPrefix + field, Value: value})
	return nil
}

func (w *WorkItem) WorkItemType() string {
	return w.GetString(domain.FieldWorkItemType)
}

func (w *WorkItem) TeamProject() string {
	return w.GetString(domain.FieldTeamProject)
}

func (w *WorkItem) Title() string {
	return w.GetString(domain.FieldTitle)
}

func (w *WorkItem) State() string {
	return w.GetString(domain.FieldState)
}

func (w *WorkItem) Reason() string {
	return w.GetString(domain.FieldReason)
}

func (w *WorkItem) AssignedTo() string {
	return w.GetString(domain.FieldAssignedTo)
}

func (w *WorkItem) Description() string {
	return w.GetString(domain.FieldDescription)
}

func (w *WorkItem) AreaPath() string {
	return w.GetString(domain.FieldAreaPath)
}

func (w *WorkItem) IterationPath() string {
	return w.GetString(domain.FieldIterationPath)
}

func (w *WorkItem) Tags() string {
	return w.GetString(domain.FieldTags)
}

func (w *WorkItem) History() string {
	return w.GetString(domain.FieldHistory)
}

func (w *WorkItem) ChangedBy() string {
	return w.GetString(domain.FieldChangedBy)
}

func (w *WorkItem) CreatedBy() string {
	return w.GetString(domain.FieldCreatedBy)
}

func (w *WorkItem) Priority() int {
	return w.GetInt(domain.FieldPriority)
}

func (w *WorkItem) CreatedDate() time.Time {
	return w.GetTime(domain.FieldCreatedDate)
}

func (w *WorkItem) ChangedDate() time.Time {
	return w.GetTime(domain.FieldChangedDate)
}

func (w *WorkItem) SetTitle(v string) error {
	return w.Set(domain.FieldTitle, v)
}

func (w *WorkItem) SetState(v string) error {
	return w.Set(domain.FieldState, v)
}

func (w *WorkItem) SetReason(v string) error {
	return w.Set(domain.FieldReason, v)
}

func (w *WorkItem) SetAssignedTo(v string) error {
	return w.Set(domain.FieldAssignedTo, v)
}

func (w *WorkItem) SetDescription(v string) error {
	return w.Set(domain.FieldDescription, v)
}

func (w *WorkItem) SetAreaPath(v string) error {
	return w.Set(domain.FieldAreaPath, v)
}

func (w *WorkItem) SetIterationPath(v string) error {
	return w.Set(domain.FieldIterationPath, v)
}

func (w *WorkItem) SetTags(v string) error {
	return w.Set(domain.FieldTags, v)
}

func (w *WorkItem) SetHistory(v string) error {
	return w.Set(domain.FieldHistory, v)
}

func (w *WorkItem) SetChangedBy(v string) error {
	return w.Set(domain.FieldChangedBy, v)
}

func (w *WorkItem) SetPriority(v int) error {
	return w.Set(domain.FieldPriority, v)
}

// identityName extracts a display name from an identity reference field value.
func identityName(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range []string{"displayName", "uniqueName"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Parent loads the first parent link, or returns nil when there is none.
func (w *WorkItem) Parent(ctx context.Context) (*WorkItem, error) {
	for _, r := range w.relations.Parents() {
		if id, ok := r.TargetID(); ok {
			return w.store.Get(ctx, id)
		}
	}
	return nil, nil
}

func (w *WorkItem) Children(ctx context.Context) ([]*WorkItem, error) {
	var ids []WorkItemID
	for _, r := range w.relations.Children() {
		if id, ok := r.TargetID(); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return w.store.GetMany(ctx, ids)
}

// PreviousRevision returns the revision before this one, or nil at the start of
// the history.
func (w *WorkItem) PreviousRevision(ctx context.Context) (*WorkItem, error) {
	if w.IsNew() || w.rev <= 1 {
		return nil, nil
	}
	return w.store.revision(ctx, w.id, w.rev-1)
}

// Revision returns a frozen snapshot of revision rev.
func (w *WorkItem) Revision(ctx context.Context, rev int) (*WorkItem, error) {
	if w.IsNew() || rev < 1 || rev > w.rev {
		return nil, nil
	}
	if rev == w.rev && w.readOnly {
		return w, nil
	}
	return w.store.revision(ctx, w.id, rev)
}

// Revisions walks the history backwards, fetching one revision per step. The
// sequence is not restartable: ranging over it again resumes where it stopped.
func (w *WorkItem) Revisions(ctx context.Context) iter.Seq[*WorkItem] {
	cursor := w
	done := false
	return func(yield func(*WorkItem) bool) {
		for !done {
			prev, err := cursor.PreviousRevision(ctx)
			if err != nil {
				w.store.logger.Warning("revision walk of %s stopped at rev %d: %v", w.id, cursor.rev, err)
			}
			if err != nil || prev == nil {
				done = true
				return
			}
			cursor = prev
			if !yield(prev) {
				return
			}
		}
	}
}

func (w *WorkItem) appendChange(op domain.PatchOperation) {
	w.changes = append(w.changes, op)
	w.dirty = true
}

// dropChange removes the last operation matching match.
func (w *WorkItem) dropChange(match func(domain.PatchOperation) bool) bool {
	for i := len(w.changes) - 1; i >= 0; i-- {
		if match(w.changes[i]) {
			w.changes = append(w.changes[:i], w.changes[i+1:]...)
			return true
		}
	}
	return false
}

// settle clears the dirty flag once cancelled edits leave nothing to send.
func (w *WorkItem) settle() {
	if !w.hasChanges() && w.recycle == NoChange {
		w.dirty = false
	}
}

func (w *WorkItem) hasPendingField(field string) bool {
	path := fieldsPrefix + field
	for _, op := range w.changes {
		if op.Path == path && op.Op != domain.OpTest {
			return true
		}
	}
	return false
}

// hasChanges reports whether anything besides revision guards is pending.
func (w *WorkItem) hasChanges() bool {
	for _, op := range w.changes {
		if op.Op != domain.OpTest {
			return true
		}
	}
	return false
}

func (w *WorkItem) filterChanges(keep func(domain.PatchOperation) bool) domain.PatchDocument {
	var out domain.PatchDocument
	for _, op := range w.changes {
		if keep(op) {
			out = append(out, op)
		}
	}
	return out
}

func isRelationOp(op domain.PatchOperation) bool {
	return strings.HasPrefix(op.Path, "/relations")
}

// createPatch is the payload of a create call.
func (w *WorkItem) createPatch() domain.PatchDocument {
	return w.filterChanges(func(op domain.PatchOperation) bool { return op.Op != domain.OpTest })
}

// fieldsOnlyPatch is the relation-free create payload of the first phase.
func (w *WorkItem) fieldsOnlyPatch() domain.PatchDocument {
	return w.filterChanges(func(op domain.PatchOperation) bool {
		return op.Op != domain.OpTest && !isRelationOp(op)
	})
}

// setRevision moves the item and its revision guard to rev.
func (w *WorkItem) setRevision(rev int) {
	w.rev = rev
	for i, op := range w.changes {
		if op.Op == domain.OpTest && op.Path == revPath {
			w.changes[i].Value = rev
		}
	}
}

// replaceIdentity swaps a temporary identity for the permanent one and drops
// operations the create call already carried.
func (w *WorkItem) replaceIdentity(newID WorkItemID, rev int) {
	oldID := w.id
	w.id = newID
	w.rev = rev
	w.url = workItemURL(w.store.client.BaseURL(), newID)
	w.fields[domain.FieldID] = newID.Value()
	w.changes = w.filterChanges(func(op domain.PatchOperation) bool {
		return op.Path != idPath && !strings.HasPrefix(op.Path, fieldsPrefix)
	})
	w.remapRelations(map[int]int{oldID.Value(): newID.Value()})
}

// remapRelations points pending relation operations and links at permanent ids.
func (w *WorkItem) remapRelations(ids map[int]int) {
	for i, op := range w.changes {
		p, ok := op.Value.(RelationPatch)
		if !ok {
			continue
		}
		p.URL = remapURL(p.URL, ids)
		w.changes[i].Value = p
	}
	w.relations.remap(ids)
}

// markPersisted resets the pending state after a successful remote write.
func (w *WorkItem) markPersisted(rev int) {
	if rev > 0 {
		w.rev = rev
	}
	w.changes = nil
	if w.store.opts.EnableRevisionCheck && !w.IsNew() {
		w.changes = domain.PatchDocument{{Op: domain.OpTest, Path: revPath, Value: w.rev}}
	}
	w.relations.commit()
	w.dirty = false
	w.recycle = NoChange
}
