package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"aggregator/internal/domain"
)

const testBaseURL = "https://dev.example.com/org"

type updateCall struct {
	ID    int
	Patch domain.PatchDocument
}

type createCall struct {
	Project string
	Type    string
	Patch   domain.PatchDocument
}

// fakeClient is an in-memory work item service that records every call.
type fakeClient struct {
	mu sync.Mutex

	items     map[int]domain.WorkItem
	revisions map[int]map[int]domain.WorkItem
	types     map[string]domain.WorkItemType
	nextID    int

	getCalls      []int
	getManyCalls  [][]int
	revisionCalls int
	typeCalls     int
	typeProjects  []string
	creates       []createCall
	updates       []updateCall
	deletes       []int
	restores      []int
	batches       [][]domain.BatchRequest

	failUpdate func(call int, id int) error
	batchCode  func(req domain.BatchRequest) int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		items:     make(map[int]domain.WorkItem),
		revisions: make(map[int]map[int]domain.WorkItem),
		types:     make(map[string]domain.WorkItemType),
		nextID:    100,
	}
}

func (f *fakeClient) add(wi domain.WorkItem) {
	if wi.Fields == nil {
		wi.Fields = map[string]any{}
	}
	wi.Fields[domain.FieldID] = wi.ID
	f.items[wi.ID] = wi
}

func (f *fakeClient) addRevision(wi domain.WorkItem) {
	if f.revisions[wi.ID] == nil {
		f.revisions[wi.ID] = make(map[int]domain.WorkItem)
	}
	f.revisions[wi.ID][wi.Rev] = wi
}

func (f *fakeClient) BaseURL() string { return testBaseURL }

func (f *fakeClient) lookup(id int) domain.WorkItem {
	if wi, ok := f.items[id]; ok {
		return wi
	}
	return domain.WorkItem{
		ID:  id,
		Rev: 1,
		Fields: map[string]any{
			domain.FieldID:           id,
			domain.FieldTitle:        "item " + strconv.Itoa(id),
			domain.FieldWorkItemType: "Task",
			domain.FieldTeamProject:  "Proj",
		},
	}
}

func (f *fakeClient) GetWorkItem(_ context.Context, id int, _ bool) (domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls = append(f.getCalls, id)
	return f.lookup(id), nil
}

func (f *fakeClient) GetWorkItems(_ context.Context, ids []int) ([]domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getManyCalls = append(f.getManyCalls, append([]int(nil), ids...))
	out := make([]domain.WorkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.lookup(id))
	}
	return out, nil
}

func (f *fakeClient) GetRevision(_ context.Context, id, rev int) (domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisionCalls++
	if wi, ok := f.revisions[id][rev]; ok {
		return wi, nil
	}
	return domain.WorkItem{}, domain.ErrNotFound
}

func (f *fakeClient) CreateBatchRequest(project, workItemType string, patch domain.PatchDocument, _ bool) domain.BatchRequest {
	return domain.BatchRequest{
		Method:  "PATCH",
		URI:     fmt.Sprintf("/%s/_apis/wit/workitems/$%s?api-version=7.1", project, workItemType),
		Headers: map[string]string{"Content-Type": "application/json-patch+json"},
		Body:    patch,
	}
}

func (f *fakeClient) UpdateBatchRequest(id int, patch domain.PatchDocument, _ bool) domain.BatchRequest {
	return domain.BatchRequest{
		Method:  "PATCH",
		URI:     fmt.Sprintf("/_apis/wit/workitems/%d?api-version=7.1", id),
		Headers: map[string]string{"Content-Type": "application/json-patch+json"},
		Body:    patch,
	}
}

func (f *fakeClient) ExecuteBatch(_ context.Context, requests []domain.BatchRequest) ([]domain.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, requests)
	out := make([]domain.BatchResponse, 0, len(requests))
	for _, req := range requests {
		if f.batchCode != nil {
			if code := f.batchCode(req); code >= 300 {
				out = append(out, domain.BatchResponse{Code: code, Body: `{"message":"rejected"}`})
				continue
			}
		}
		path := strings.SplitN(req.URI, "?", 2)[0]
		last := path[strings.LastIndex(path, "/")+1:]
		var wi domain.WorkItem
		if strings.HasPrefix(last, "$") {
			wi = domain.WorkItem{ID: f.nextID, Rev: 1, Fields: map[string]any{domain.FieldWorkItemType: last[1:]}}
			f.nextID++
		} else {
			id, _ := strconv.Atoi(last)
			wi = f.lookup(id)
			wi.Rev++
		}
		f.items[wi.ID] = wi
		body, _ := json.Marshal(wi)
		out = append(out, domain.BatchResponse{Code: 200, Body: string(body)})
	}
	return out, nil
}

func (f *fakeClient) CreateWorkItem(_ context.Context, project, workItemType string, patch domain.PatchDocument, _ bool) (domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, createCall{Project: project, Type: workItemType, Patch: patch})
	wi := domain.WorkItem{ID: f.nextID, Rev: 1, Fields: map[string]any{domain.FieldWorkItemType: workItemType}}
	f.nextID++
	f.items[wi.ID] = wi
	return wi, nil
}

func (f *fakeClient) UpdateWorkItem(_ context.Context, id int, patch domain.PatchDocument, _ bool) (domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{ID: id, Patch: patch})
	if f.failUpdate != nil {
		if err := f.failUpdate(len(f.updates), id); err != nil {
			return domain.WorkItem{}, err
		}
	}
	wi := f.lookup(id)
	wi.Rev++
	f.items[id] = wi
	return wi, nil
}

func (f *fakeClient) DeleteWorkItem(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeClient) RestoreWorkItem(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, id)
	return nil
}

func (f *fakeClient) GetWorkItemType(_ context.Context, project, workItemType string) (domain.WorkItemType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typeCalls++
	f.typeProjects = append(f.typeProjects, project)
	t, ok := f.types[workItemType]
	if !ok {
		return domain.WorkItemType{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeClient) GetTypeCategories(context.Context, string) ([]domain.TypeCategory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typeCalls++
	return []domain.TypeCategory{{Name: "Bug Category", ReferenceName: "Microsoft.BugCategory", DefaultType: "Bug", Types: []string{"Bug"}}}, nil
}

func (f *fakeClient) GetBacklogStates(context.Context, string) (domain.BacklogStates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typeCalls++
	return domain.BacklogStates{"Bug": {"Active": "InProgress", "Closed": "Completed"}}, nil
}

// patchPaths renders operations as "op path" for compact assertions.
func patchPaths(patch domain.PatchDocument) []string {
	out := make([]string, 0, len(patch))
	for _, op := range patch {
		out = append(out, op.Op+" "+op.Path)
	}
	return out
}

func bugWorkflow() domain.WorkItemType {
	return domain.WorkItemType{
		Name: "Bug",
		States: []domain.WorkItemState{
			{Name: "Proposed"}, {Name: "Active"}, {Name: "Resolved"}, {Name: "Closed"},
		},
		Transitions: map[string][]domain.Transition{
			"":         {{To: "Proposed"}},
			"Proposed": {{To: "Active"}},
			"Active":   {{To: "Resolved"}},
			"Resolved": {{To: "Closed"}},
		},
	}
}
