package engine

import (
	"context"

	json "github.com/goccy/go-json"

	"aggregator/internal/domain"
	"aggregator/internal/metrics"
)

// persister carries one SaveChanges call through a strategy.
type persister struct {
	store       *Store
	commit      bool
	bypassRules bool
}

func (p persister) log() Logger { return p.store.logger }

func (p persister) deleteItems(ctx context.Context, items []*WorkItem) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.commit {
			p.log().Info("dry-run: would delete work item %s", item.ID())
			continue
		}
		metrics.RemoteCalls.WithLabelValues("delete").Inc()
		if err := p.store.client.DeleteWorkItem(ctx, item.ID().Value()); err != nil {
			metrics.RemoteFailures.WithLabelValues("delete").Inc()
			p.log().Error("delete work item %s failed: %v", item.ID(), err)
			continue
		}
		p.log().Verbose("deleted work item %s", item.ID())
		item.deleted = true
		item.markPersisted(0)
	}
	return nil
}

func (p persister) restoreItems(ctx context.Context, items []*WorkItem) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.commit {
			p.log().Info("dry-run: would restore work item %s", item.ID())
			continue
		}
		metrics.RemoteCalls.WithLabelValues("restore").Inc()
		if err := p.store.client.RestoreWorkItem(ctx, item.ID().Value()); err != nil {
			metrics.RemoteFailures.WithLabelValues("restore").Inc()
			p.log().Error("restore work item %s failed: %v", item.ID(), err)
			continue
		}
		p.log().Verbose("restored work item %s", item.ID())
		item.deleted = false
		item.recycle = NoChange
	}
	return nil
}

// executeBatch sends requests in one call. A nil result with a nil error means the
// call was skipped or failed and has been logged.
func (p persister) executeBatch(ctx context.Context, requests []domain.BatchRequest) ([]domain.BatchResponse, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.commit {
		for _, r := range requests {
			p.log().Info("dry-run: would %s %s with %d operations", r.Method, r.URI, len(r.Body))
		}
		return nil, nil
	}
	metrics.RemoteCalls.WithLabelValues("batch").Inc()
	responses, err := p.store.client.ExecuteBatch(ctx, requests)
	if err != nil {
		metrics.RemoteFailures.WithLabelValues("batch").Inc()
		p.log().Error("batch of %d requests failed: %v", len(requests), err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, nil
	}
	p.checkBatchResults(requests, responses)
	return responses, nil
}

// checkBatchResults logs every failed entry together with the body the service sent.
func (p persister) checkBatchResults(requests []domain.BatchRequest, responses []domain.BatchResponse) {
	if len(responses) != len(requests) {
		p.log().Warning("batch returned %d responses for %d requests", len(responses), len(requests))
	}
	for i, r := range responses {
		if succeeded(r.Code) {
			continue
		}
		metrics.RemoteFailures.WithLabelValues("batch_item").Inc()
		uri := ""
		if i < len(requests) {
			uri = requests[i].URI
		}
		p.log().Error("batch request %d (%s) failed with %d: %s", i, uri, r.Code, r.Body)
	}
}

func succeeded(code int) bool { return code >= 200 && code < 300 }

// decodeResponse reads the work item a successful batch entry returned.
func (p persister) decodeResponse(r domain.BatchResponse) (domain.WorkItem, bool) {
	var wi domain.WorkItem
	if !succeeded(r.Code) {
		return wi, false
	}
	if err := json.Unmarshal([]byte(r.Body), &wi); err != nil {
		p.log().Error("cannot decode batch response: %v", err)
		return wi, false
	}
	return wi, true
}

// responseAt pairs request i with its response; responses are positional.
func responseAt(responses []domain.BatchResponse, i int) (domain.BatchResponse, bool) {
	if i >= len(responses) {
		return domain.BatchResponse{}, false
	}
	return responses[i], true
}

// adoptIdentity gives a created item its permanent id and moves it in the tracker.
func (p persister) adoptIdentity(item *WorkItem, created domain.WorkItem, ids map[int]int) {
	oldID := item.ID()
	newID := PermanentID(created.ID)
	item.replaceIdentity(newID, created.Rev)
	p.store.tracker.rekey(oldID, newID)
	ids[oldID.Value()] = newID.Value()
	p.log().Verbose("work item %s created as %s", oldID, newID)
}

// remapAll points every tracked item's links and pending relation operations at
// the permanent ids in ids.
func (p persister) remapAll(ids map[int]int) {
	if len(ids) == 0 {
		return
	}
	for _, item := range p.store.tracker.Tracked() {
		item.remapRelations(ids)
	}
}

// withoutIDOp strips the synthetic id operation single create calls do not accept.
func withoutIDOp(patch domain.PatchDocument) domain.PatchDocument {
	out := make(domain.PatchDocument, 0, len(patch))
	for _, op := range patch {
		if op.Path == idPath {
			continue
		}
		out = append(out, op)
	}
	return out
}
