package engine

import (
	"context"

	"aggregator/internal/domain"
)

// saveBatch sends creates and plain updates in a single batch. Links between two
// items created in the same batch are rejected by the service; SaveTwoPhases
// exists for that case.
func (p persister) saveBatch(ctx context.Context, changes ChangeSet) error {
	if err := p.deleteItems(ctx, changes.Deleted); err != nil {
		return err
	}
	if err := p.restoreItems(ctx, changes.Restored); err != nil {
		return err
	}
	for _, item := range changes.Restored {
		if item.hasChanges() {
			p.log().Warning("batch save does not send field changes of restored work item %s", item.ID())
		}
		if p.commit && !item.IsDeleted() {
			item.markPersisted(0)
		}
	}

	var requests []domain.BatchRequest
	var items []*WorkItem
	for _, item := range changes.Created {
		requests = append(requests, p.store.client.CreateBatchRequest(item.TeamProject(), item.WorkItemType(), item.createPatch(), p.bypassRules))
		items = append(items, item)
	}
	for _, item := range changes.Updated {
		if !item.hasChanges() {
			if p.commit {
				item.markPersisted(0)
			}
			continue
		}
		requests = append(requests, p.store.client.UpdateBatchRequest(item.ID().Value(), item.Changes(), p.bypassRules))
		items = append(items, item)
	}

	responses, err := p.executeBatch(ctx, requests)
	if err != nil || responses == nil {
		return err
	}
	ids := make(map[int]int)
	for i, item := range items {
		resp, ok := responseAt(responses, i)
		if !ok {
			break
		}
		wi, ok := p.decodeResponse(resp)
		if !ok {
			continue
		}
		if item.IsNew() {
			p.adoptIdentity(item, wi, ids)
		}
		item.markPersisted(wi.Rev)
	}
	p.remapAll(ids)
	return nil
}
