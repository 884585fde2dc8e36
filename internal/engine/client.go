package engine

import (
	"context"

	"aggregator/internal/domain"
)

// WitClient is the remote work item service as seen by the engine.
type WitClient interface {
	// BaseURL is the collection url used to build work item urls.
	BaseURL() string
	GetWorkItem(ctx context.Context, id int, expandAll bool) (domain.WorkItem, error)
	GetWorkItems(ctx context.Context, ids []int) ([]domain.WorkItem, error)
	GetRevision(ctx context.Context, id, rev int) (domain.WorkItem, error)
	CreateBatchRequest(project, workItemType string, patch domain.PatchDocument, bypassRules bool) domain.BatchRequest
	UpdateBatchRequest(id int, patch domain.PatchDocument, bypassRules bool) domain.BatchRequest
	ExecuteBatch(ctx context.Context, requests []domain.BatchRequest) ([]domain.BatchResponse, error)
	CreateWorkItem(ctx context.Context, project, workItemType string, patch domain.PatchDocument, bypassRules bool) (domain.WorkItem, error)
	UpdateWorkItem(ctx context.Context, id int, patch domain.PatchDocument, bypassRules bool) (domain.WorkItem, error)
	DeleteWorkItem(ctx context.Context, id int) error
	RestoreWorkItem(ctx context.Context, id int) error
	GetWorkItemType(ctx context.Context, project, workItemType string) (domain.WorkItemType, error)
	GetTypeCategories(ctx context.Context, project string) ([]domain.TypeCategory, error)
	GetBacklogStates(ctx context.Context, project string) (domain.BacklogStates, error)
}
