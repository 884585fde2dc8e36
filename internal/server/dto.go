package server

import (
	"strings"

	"github.com/spf13/cast"

	"aggregator/internal/domain"
)

// Request payloads

// ServiceHookRequest is the subset of a work item service hook notification
// the receiver reads. Unknown properties are accepted.
type ServiceHookRequest struct {
	_ struct{} `additionalProperties:"true"`

	ID         string                `json:"id,omitempty"`
	EventType  string                `json:"eventType" example:"workitem.updated"`
	Resource   ServiceHookResource   `json:"resource"`
	Containers ServiceHookContainers `json:"resourceContainers,omitempty"`
}

type ServiceHookContainers struct {
	_ struct{} `additionalProperties:"true"`

	Project ServiceHookContainer `json:"project,omitempty"`
}

type ServiceHookContainer struct {
	_ struct{} `additionalProperties:"true"`

	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type ServiceHookResource struct {
	_ struct{} `additionalProperties:"true"`

	ID         int                  `json:"id,omitempty"`
	WorkItemID int                  `json:"workItemId,omitempty"`
	Rev        int                  `json:"rev,omitempty"`
	Fields     map[string]any       `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Revision   *ServiceHookRevision `json:"revision,omitempty"`
}

type ServiceHookRevision struct {
	_ struct{} `additionalProperties:"true"`

	ID     int            `json:"id,omitempty"`
	Rev    int            `json:"rev,omitempty"`
	Fields map[string]any `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// event maps the notification to the trigger a rule sees. Update notifications
// carry the work item id in workItemId and the update id in id.
func (p ServiceHookRequest) event() domain.WorkItemEvent {
	res := p.Resource
	evt := domain.WorkItemEvent{
		EventType:  p.EventType,
		WorkItemID: res.ID,
		Revision:   res.Rev,
	}
	fields := res.Fields
	if res.WorkItemID > 0 {
		evt.WorkItemID = res.WorkItemID
	}
	if res.Revision != nil {
		evt.Revision = res.Revision.Rev
		fields = res.Revision.Fields
	}
	evt.ProjectName = cast.ToString(fields["System.TeamProject"])
	if evt.ProjectName == "" {
		evt.ProjectName = p.Containers.Project.Name
	}
	evt.ChangedBy = identityName(fields["System.ChangedBy"])
	return evt
}

// identityName accepts both the plain "Name <mail>" form and the identity object form.
func identityName(v any) string {
	if m, ok := v.(map[string]any); ok {
		if unique := cast.ToString(m["uniqueName"]); unique != "" {
			return unique
		}
		return cast.ToString(m["displayName"])
	}
	return strings.TrimSpace(cast.ToString(v))
}

// Response payloads

type ExecutionResponse struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	TS         string `json:"ts" format:"date-time"`
	Rule       string `json:"rule"`
	EventType  string `json:"event_type"`
	WorkItemID int    `json:"work_item_id"`
	Mode       string `json:"mode" enum:"item,batch,twophases"`
	DryRun     bool   `json:"dry_run"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Status     string `json:"status" enum:"succeeded,failed"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

type RuleResponse struct {
	Name string `json:"name"`
}

type paginatedExecutions struct {
	Items      []ExecutionResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

func executionResponse(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:         e.ID,
		Seq:        e.Seq,
		TS:         e.TS,
		Rule:       e.Rule,
		EventType:  e.EventType,
		WorkItemID: e.WorkItemID,
		Mode:       e.Mode,
		DryRun:     e.DryRun,
		Created:    e.Created,
		Updated:    e.Updated,
		Status:     e.Status,
		Message:    e.Message,
		Error:      e.Error,
	}
}
