package domain

// Well-known work item field reference names.
const (
	FieldID            = "System.Id"
	FieldTitle         = "System.Title"
	FieldState         = "System.State"
	FieldReason        = "System.Reason"
	FieldWorkItemType  = "System.WorkItemType"
	FieldTeamProject   = "System.TeamProject"
	FieldAssignedTo    = "System.AssignedTo"
	FieldDescription   = "System.Description"
	FieldAreaPath      = "System.AreaPath"
	FieldIterationPath = "System.IterationPath"
	FieldTags          = "System.Tags"
	FieldHistory       = "System.History"
	FieldChangedBy     = "System.ChangedBy"
	FieldCreatedBy     = "System.CreatedBy"
	FieldCreatedDate   = "System.CreatedDate"
	FieldChangedDate   = "System.ChangedDate"
	FieldPriority      = "Microsoft.VSTS.Common.Priority"
)

// Relation type reference names.
const (
	RelChild     = "System.LinkTypes.Hierarchy-Forward"
	RelParent    = "System.LinkTypes.Hierarchy-Reverse"
	RelRelated   = "System.LinkTypes.Related"
	RelHyperlink = "Hyperlink"
)

// WorkItem is the remote representation of a work item as returned by the service.
type WorkItem struct {
	ID        int            `json:"id"`
	Rev       int            `json:"rev"`
	Fields    map[string]any `json:"fields"`
	Relations []Relation     `json:"relations,omitempty"`
	URL       string         `json:"url,omitempty"`
	IsDeleted bool           `json:"isDeleted,omitempty"`
}

type Relation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Patch operation verbs.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
	OpTest    = "test"
)

// PatchOperation is one JSON patch step understood by the remote partial-update API.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

type PatchDocument []PatchOperation

// BatchRequest is a single entry of a $batch call.
type BatchRequest struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers"`
	Body    PatchDocument     `json:"body"`
}

// BatchResponse pairs positionally with the BatchRequest that produced it.
type BatchResponse struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// WorkItemType is the workflow schema of one work item type.
type WorkItemType struct {
	Name        string                  `json:"name"`
	States      []WorkItemState         `json:"states"`
	Transitions map[string][]Transition `json:"transitions"`
}

type WorkItemState struct {
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	Category string `json:"category,omitempty"`
}

type Transition struct {
	To      string   `json:"to"`
	Actions []string `json:"actions,omitempty"`
}

// TypeCategory groups work item types (e.g. Requirement, Bug categories).
type TypeCategory struct {
	Name          string   `json:"name"`
	ReferenceName string   `json:"referenceName"`
	DefaultType   string   `json:"defaultWorkItemType,omitempty"`
	Types         []string `json:"workItemTypes"`
}

// BacklogStates maps work item type -> state name -> state category.
type BacklogStates map[string]map[string]string

// WorkItemEvent is the trigger delivered to a rule.
type WorkItemEvent struct {
	EventType   string `json:"event_type"`
	ProjectName string `json:"project_name,omitempty"`
	WorkItemID  int    `json:"work_item_id"`
	Revision    int    `json:"revision,omitempty"`
	ChangedBy   string `json:"changed_by,omitempty"`
}

// Execution statuses.
const (
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
)

// Execution is one journal entry describing a rule invocation.
type Execution struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	TS         string `json:"ts" format:"date-time"`
	Rule       string `json:"rule"`
	EventType  string `json:"event_type"`
	WorkItemID int    `json:"work_item_id"`
	Mode       string `json:"mode"`
	DryRun     bool   `json:"dry_run"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Status     string `json:"status" enum:"succeeded,failed"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
