package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aggregator/internal/domain"
	"aggregator/internal/metrics"
)

// MaxPageSize is the largest id list the service accepts in one fetch.
const MaxPageSize = 200

// Options tune one Store.
type Options struct {
	// Project is the default team project for new work items.
	Project string
	// TriggeredBy is the identity stamped on saved items when impersonating.
	TriggeredBy         string
	EnableRevisionCheck bool
	// DryRun keeps TransitionToState from writing intermediate states.
	DryRun bool
	// PageSize overrides MaxPageSize for GetMany; values outside (0, MaxPageSize] are ignored.
	PageSize int
}

// SaveResult counts what a save wrote. Updated includes deletes and restores.
type SaveResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Store is the unit of work rule code interacts with.
type Store struct {
	client  WitClient
	tracker *Tracker
	logger  Logger
	opts    Options

	workflows map[string]*Workflow

	categories       []domain.TypeCategory
	categoriesLoaded bool
	backlog          domain.BacklogStates
	backlogLoaded    bool
}

func NewStore(client WitClient, logger Logger, opts Options) *Store {
	if logger == nil {
		logger = NopLogger()
	}
	if opts.PageSize <= 0 || opts.PageSize > MaxPageSize {
		opts.PageSize = MaxPageSize
	}
	return &Store{
		client:    client,
		tracker:   NewTracker(),
		logger:    logger,
		opts:      opts,
		workflows: make(map[string]*Workflow),
	}
}

func (s *Store) Tracker() *Tracker { return s.tracker }

func (s *Store) Logger() Logger { return s.logger }

// Get returns the tracked work item or fetches it with all relations expanded.
func (s *Store) Get(ctx context.Context, id WorkItemID) (*WorkItem, error) {
	return s.tracker.Load(ctx, id, s.fetchOne)
}

func (s *Store) fetchOne(ctx context.Context, id WorkItemID) (*WorkItem, error) {
	if id.IsTemporary() {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.RemoteCalls.WithLabelValues("get").Inc()
	src, err := s.client.GetWorkItem(ctx, id.Value(), true)
	if err != nil {
		return nil, fmt.Errorf("get work item %s: %w", id, err)
	}
	return newExistingWorkItem(s, src)
}

// GetMany loads ids in pages of at most PageSize, reusing tracked items.
func (s *Store) GetMany(ctx context.Context, ids []WorkItemID) ([]*WorkItem, error) {
	var out []*WorkItem
	for start := 0; start < len(ids); start += s.opts.PageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+s.opts.PageSize, len(ids))
		items, err := s.tracker.LoadMany(ctx, ids[start:end], s.fetchMany)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func (s *Store) fetchMany(ctx context.Context, ids []WorkItemID) ([]*WorkItem, error) {
	raw := make([]int, 0, len(ids))
	for _, id := range ids {
		if id.IsTemporary() {
			s.logger.Warning("skipping unknown temporary work item %s", id)
			continue
		}
		raw = append(raw, id.Value())
	}
	if len(raw) == 0 {
		return nil, nil
	}
	metrics.RemoteCalls.WithLabelValues("get_many").Inc()
	fetched, err := s.client.GetWorkItems(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("get work items: %w", err)
	}
	out := make([]*WorkItem, 0, len(fetched))
	for _, src := range fetched {
		item, err := newExistingWorkItem(s, src)
		if errors.Is(err, ErrAlreadyTracked) {
			if tracked, ok := s.tracker.Lookup(PermanentID(src.ID)); ok {
				out = append(out, tracked)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) revision(ctx context.Context, id WorkItemID, rev int) (*WorkItem, error) {
	if item, ok := s.tracker.Revision(id, rev); ok {
		return item, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.RemoteCalls.WithLabelValues("get_revision").Inc()
	src, err := s.client.GetRevision(ctx, id.Value(), rev)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get revision %d of %s: %w", rev, id, err)
	}
	return newRevisionWorkItem(s, src), nil
}

// NewWorkItem creates a work item of workItemType in the default project.
func (s *Store) NewWorkItem(workItemType string) (*WorkItem, error) {
	return s.NewWorkItemIn(s.opts.Project, workItemType)
}

func (s *Store) NewWorkItemIn(project, workItemType string) (*WorkItem, error) {
	if workItemType == "" {
		return nil, errors.New("work item type is required")
	}
	item, err := newWorkItem(s, project, workItemType)
	if err != nil {
		return nil, err
	}
	s.logger.Verbose("created %s %s in %s", workItemType, item.ID(), project)
	return item, nil
}

// NewWorkItemFrom creates a work item in template's project.
func (s *Store) NewWorkItemFrom(template *WorkItem, workItemType string) (*WorkItem, error) {
	return s.NewWorkItemIn(template.TeamProject(), workItemType)
}

// MarkDelete flags item for deletion. It returns false when the item is already
// deleted or cannot be deleted.
func (s *Store) MarkDelete(item *WorkItem) bool {
	if item.IsReadOnly() || item.IsNew() {
		s.logger.Warning("cannot delete work item %s", item.ID())
		return false
	}
	if item.IsDeleted() || item.recycle == ToDelete {
		s.logger.Warning("work item %s is already deleted", item.ID())
		return false
	}
	item.recycle = ToDelete
	item.dirty = true
	return true
}

// MarkRestore flags a deleted item for restoration.
func (s *Store) MarkRestore(item *WorkItem) bool {
	if item.IsReadOnly() || item.IsNew() {
		s.logger.Warning("cannot restore work item %s", item.ID())
		return false
	}
	if !item.IsDeleted() || item.recycle == ToRestore {
		s.logger.Warning("work item %s is not deleted", item.ID())
		return false
	}
	item.recycle = ToRestore
	item.dirty = true
	return true
}

// WorkItemTypeCategories is fetched once per Store.
func (s *Store) WorkItemTypeCategories(ctx context.Context) ([]domain.TypeCategory, error) {
	if s.categoriesLoaded {
		return s.categories, nil
	}
	metrics.RemoteCalls.WithLabelValues("get_type_categories").Inc()
	categories, err := s.client.GetTypeCategories(ctx, s.opts.Project)
	if err != nil {
		return nil, fmt.Errorf("load work item type categories: %w", err)
	}
	s.categories, s.categoriesLoaded = categories, true
	return categories, nil
}

// BacklogStates maps work item type to state categories; fetched once per Store.
func (s *Store) BacklogStates(ctx context.Context) (domain.BacklogStates, error) {
	if s.backlogLoaded {
		return s.backlog, nil
	}
	metrics.RemoteCalls.WithLabelValues("get_backlog_states").Inc()
	states, err := s.client.GetBacklogStates(ctx, s.opts.Project)
	if err != nil {
		return nil, fmt.Errorf("load backlog configuration: %w", err)
	}
	s.backlog, s.backlogLoaded = states, true
	return states, nil
}

// SaveChanges persists tracked changes. With commit false nothing is sent and the
// planned calls are logged. Remote failures are logged, not returned; the error
// is non-nil only when ctx ends the save early.
func (s *Store) SaveChanges(ctx context.Context, mode SaveMode, commit, impersonate, bypassRules bool) (SaveResult, error) {
	started := time.Now()
	defer func() {
		metrics.SaveDuration.WithLabelValues(mode.String()).Observe(time.Since(started).Seconds())
	}()

	changes := s.tracker.ChangedEntities()
	if impersonate && s.opts.TriggeredBy != "" {
		for _, item := range append(append([]*WorkItem{}, changes.Created...), changes.Updated...) {
			if err := item.SetChangedBy(s.opts.TriggeredBy); err != nil {
				return SaveResult{}, err
			}
		}
	}
	result := SaveResult{
		Created: len(changes.Created),
		Updated: len(changes.Updated) + len(changes.Deleted) + len(changes.Restored),
	}
	if changes.Empty() {
		s.logger.Verbose("no changes to save")
		return result, nil
	}
	p := persister{store: s, commit: commit, bypassRules: bypassRules}
	var err error
	switch mode.resolve() {
	case SaveItem:
		err = p.saveByItem(ctx, changes)
	case SaveBatch:
		err = p.saveBatch(ctx, changes)
	default:
		err = p.saveTwoPhases(ctx, changes)
	}
	return result, err
}
