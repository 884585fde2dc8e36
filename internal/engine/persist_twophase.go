package engine

import (
	"context"

	"aggregator/internal/domain"
)

// saveTwoPhases creates new items without links first, then sends every remaining
// operation with temporary ids replaced by the permanent ones.
func (p persister) saveTwoPhases(ctx context.Context, changes ChangeSet) error {
	// phase 1: relation-free creates
	var requests []domain.BatchRequest
	for _, item := range changes.Created {
		requests = append(requests, p.store.client.CreateBatchRequest(item.TeamProject(), item.WorkItemType(), item.fieldsOnlyPatch(), p.bypassRules))
	}
	responses, err := p.executeBatch(ctx, requests)
	if err != nil {
		return err
	}
	ids := make(map[int]int)
	for i, item := range changes.Created {
		resp, ok := responseAt(responses, i)
		if !ok {
			break
		}
		if wi, ok := p.decodeResponse(resp); ok {
			p.adoptIdentity(item, wi, ids)
		}
	}

	if err := p.deleteItems(ctx, changes.Deleted); err != nil {
		return err
	}
	if err := p.restoreItems(ctx, changes.Restored); err != nil {
		return err
	}

	// phase 2: links and remaining updates
	p.remapAll(ids)
	var pending []*WorkItem
	requests = nil
	candidates := append(append(append([]*WorkItem{}, changes.Created...), changes.Updated...), changes.Restored...)
	for _, item := range candidates {
		if item.IsNew() {
			if p.commit {
				p.log().Warning("work item %s was not created, skipping its links", item.ID())
			}
			continue
		}
		if item.IsDeleted() {
			continue
		}
		if !item.hasChanges() {
			if p.commit {
				item.markPersisted(0)
			}
			continue
		}
		requests = append(requests, p.store.client.UpdateBatchRequest(item.ID().Value(), item.Changes(), p.bypassRules))
		pending = append(pending, item)
	}
	if !p.commit {
		for _, item := range changes.Created {
			if links := item.filterChanges(isRelationOp); len(links) > 0 {
				p.log().Info("dry-run: would add %d links to created work item %s", len(links), item.ID())
			}
		}
	}
	responses, err = p.executeBatch(ctx, requests)
	if err != nil || responses == nil {
		return err
	}
	for i, item := range pending {
		resp, ok := responseAt(responses, i)
		if !ok {
			break
		}
		if wi, ok := p.decodeResponse(resp); ok {
			item.markPersisted(wi.Rev)
		}
	}
	return nil
}
