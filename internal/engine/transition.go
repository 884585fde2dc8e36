package engine

import (
	"context"
	"fmt"

	"aggregator/internal/domain"
	"aggregator/internal/metrics"
)

// TransitionToState moves item to target along the shortest workflow path. A
// single hop is only recorded in memory. With more hops every intermediate state
// is written to the service immediately, and the final state is left pending for
// SaveChanges. If an intermediate write fails the item's state is put back to
// the one it had before the call.
func (s *Store) TransitionToState(ctx context.Context, item *WorkItem, target string, bypassRules bool, comment string) error {
	path, err := s.transitionPath(ctx, item, target)
	if err != nil {
		s.logger.Warning("transition of work item %s to %q rejected: %v", item.ID(), target, err)
		return err
	}
	current := item.State()

	mark := len(item.changes)
	for _, hop := range path[:len(path)-1] {
		if err := s.persistHop(ctx, item, hop, bypassRules, comment); err != nil {
			item.fields[domain.FieldState] = current
			item.changes = item.changes[:mark]
			return fmt.Errorf("%w: moving %s to %q: %v", ErrTransition, item.ID(), hop, err)
		}
	}
	if err := item.SetState(target); err != nil {
		return err
	}
	if comment != "" {
		if err := item.SetHistory(comment); err != nil {
			return err
		}
	}
	s.logger.Info("work item %s moves from %q to %q in %d steps", item.ID(), current, target, len(path))
	return nil
}

// transitionPath applies the transition preconditions in order and returns the
// states item passes through on its way to target.
func (s *Store) transitionPath(ctx context.Context, item *WorkItem, target string) ([]string, error) {
	if item.IsReadOnly() {
		return nil, ErrReadOnly
	}
	if item.IsNew() {
		return nil, fmt.Errorf("%w: works only for existing items, %s is new", ErrTransition, item.ID())
	}
	if item.IsDeleted() {
		return nil, fmt.Errorf("%w: work item %s is deleted", ErrTransition, item.ID())
	}
	if item.hasPendingField(domain.FieldState) {
		return nil, fmt.Errorf("%w: work item %s already has a pending state change", ErrTransition, item.ID())
	}
	wf, err := s.Workflow(ctx, item.TeamProject(), item.WorkItemType())
	if err != nil {
		return nil, err
	}
	current := item.State()
	if !wf.IsValidState(current) {
		return nil, fmt.Errorf("%w: current state %q of %s", ErrInvalidState, current, item.WorkItemType())
	}
	if !wf.IsValidState(target) {
		return nil, fmt.Errorf("%w: target state %q of %s", ErrInvalidState, target, item.WorkItemType())
	}
	path := wf.ShortestPath(current, target)
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: %q from %q for %s", ErrUnreachableState, target, current, item.WorkItemType())
	}
	return path, nil
}

// persistHop writes one intermediate state and comment to the service.
func (s *Store) persistHop(ctx context.Context, item *WorkItem, state string, bypassRules bool, comment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var patch domain.PatchDocument
	if s.opts.EnableRevisionCheck {
		patch = append(patch, domain.PatchOperation{Op: domain.OpTest, Path: revPath, Value: item.rev})
	}
	patch = append(patch, domain.PatchOperation{Op: domain.OpReplace, Path: fieldsPrefix + domain.FieldState, Value: state})
	if comment != "" {
		patch = append(patch, domain.PatchOperation{Op: domain.OpAdd, Path: fieldsPrefix + domain.FieldHistory, Value: comment})
	}
	item.fields[domain.FieldState] = state
	if s.opts.DryRun {
		s.logger.Info("dry-run: would move work item %s to intermediate state %q", item.ID(), state)
		return nil
	}
	metrics.RemoteCalls.WithLabelValues("update").Inc()
	updated, err := s.client.UpdateWorkItem(ctx, item.ID().Value(), patch, bypassRules)
	if err != nil {
		metrics.RemoteFailures.WithLabelValues("update").Inc()
		s.logger.Error("intermediate state %q of %s failed: %v", state, item.ID(), err)
		return err
	}
	item.setRevision(updated.Rev)
	s.logger.Verbose("work item %s now in %q at rev %d", item.ID(), state, updated.Rev)
	return nil
}
