package engine

import (
	"context"

	"aggregator/internal/metrics"
)

// saveByItem issues one remote call per work item: creates, deletes, restores,
// then updates. It never reorders by dependency.
func (p persister) saveByItem(ctx context.Context, changes ChangeSet) error {
	ids := make(map[int]int)
	for _, item := range changes.Created {
		if err := ctx.Err(); err != nil {
			return err
		}
		patch := withoutIDOp(item.createPatch())
		if !p.commit {
			p.log().Info("dry-run: would create %s %s with %d operations", item.WorkItemType(), item.ID(), len(patch))
			continue
		}
		metrics.RemoteCalls.WithLabelValues("create").Inc()
		created, err := p.store.client.CreateWorkItem(ctx, item.TeamProject(), item.WorkItemType(), patch, p.bypassRules)
		if err != nil {
			metrics.RemoteFailures.WithLabelValues("create").Inc()
			p.log().Error("create %s %s failed: %v", item.WorkItemType(), item.ID(), err)
			continue
		}
		p.adoptIdentity(item, created, ids)
		item.markPersisted(created.Rev)
		p.remapAll(ids)
	}

	if err := p.deleteItems(ctx, changes.Deleted); err != nil {
		return err
	}
	if err := p.restoreItems(ctx, changes.Restored); err != nil {
		return err
	}

	updates := append(append([]*WorkItem{}, changes.Updated...), changes.Restored...)
	for _, item := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !item.hasChanges() {
			if p.commit {
				item.markPersisted(0)
			}
			continue
		}
		patch := item.Changes()
		if !p.commit {
			p.log().Info("dry-run: would update work item %s with %d operations", item.ID(), len(patch))
			continue
		}
		metrics.RemoteCalls.WithLabelValues("update").Inc()
		updated, err := p.store.client.UpdateWorkItem(ctx, item.ID().Value(), patch, p.bypassRules)
		if err != nil {
			metrics.RemoteFailures.WithLabelValues("update").Inc()
			p.log().Error("update work item %s failed: %v", item.ID(), err)
			continue
		}
		item.markPersisted(updated.Rev)
	}
	return nil
}
