package witclient

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aggregator/internal/domain"
	"aggregator/internal/engine"
)

const testHost = "https://dev.example.com"

var _ engine.WitClient = (*Client)(nil)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := New(testHost+"/org/", "secret-pat")
	c.HTTPClient = &http.Client{}
	c.RetryInitial = time.Millisecond
	gock.InterceptClient(c.HTTPClient)
	t.Cleanup(func() {
		gock.RestoreClient(c.HTTPClient)
		gock.OffAll()
	})
	return c
}

func TestGetWorkItemSendsAuthAndVersion(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).
		Get("/org/_apis/wit/workitems/42").
		MatchParam("api-version", "7.1").
		MatchHeader("Authorization", "^Basic OnNlY3JldC1wYXQ=$").
		Reply(200).
		JSON(map[string]any{
			"id":  42,
			"rev": 3,
			"fields": map[string]any{
				"System.Title":        "Hello",
				"System.WorkItemType": "Bug",
			},
			"relations": []map[string]any{
				{"rel": domain.RelParent, "url": testHost + "/org/_apis/wit/workItems/1"},
			},
			"url": testHost + "/org/_apis/wit/workItems/42",
		})

	wi, err := c.GetWorkItem(context.Background(), 42, true)
	require.NoError(t, err)
	assert.Equal(t, 42, wi.ID)
	assert.Equal(t, 3, wi.Rev)
	assert.Equal(t, "Hello", wi.Fields["System.Title"])
	require.Len(t, wi.Relations, 1)
	assert.Equal(t, domain.RelParent, wi.Relations[0].Rel)
	assert.Equal(t, testHost+"/org", c.BaseURL())
	assert.True(t, gock.IsDone())
}

func TestGetWorkItemNotFound(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).
		Get("/org/_apis/wit/workitems/404").
		Reply(404).
		BodyString(`{"message":"does not exist"}`)

	_, err := c.GetWorkItem(context.Background(), 404, false)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, engine.ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Body, "does not exist")
	assert.True(t, gock.IsDone())
}

func TestGetRetriesTransientFailures(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).
		Get("/org/_apis/wit/workitems/5/revisions/2").
		Times(2).
		Reply(503)
	gock.New(testHost).
		Get("/org/_apis/wit/workitems/5/revisions/2").
		Reply(200).
		JSON(map[string]any{"id": 5, "rev": 2, "fields": map[string]any{}})

	wi, err := c.GetRevision(context.Background(), 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, wi.Rev)
	assert.True(t, gock.IsDone())
}

func TestWritesAreNotRetried(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).
		Patch("/org/_apis/wit/workitems/5").
		Reply(503)

	_, err := c.UpdateWorkItem(context.Background(), 5, domain.PatchDocument{{Op: "add", Path: "/fields/System.Title", Value: "x"}}, false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.StatusCode)
	assert.True(t, gock.IsDone())
}

func TestGetWorkItemsSkipsOmittedEntries(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).
		Get("/org/_apis/wit/workitems").
		MatchParam("ids", "^1,2,3$").
		MatchParam("errorPolicy", "omit").
		Reply(200).
		JSON(map[string]any{
			"count": 3,
			"value": []any{
				map[string]any{"id": 1, "rev": 1, "fields": map[string]any{}},
				nil,
				map[string]any{"id": 3, "rev": 7, "fields": map[string]any{}},
			},
		})

	items, err := c.GetWorkItems(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 3, items[1].ID)
	assert.True(t, gock.IsDone())
}

func TestGetWorkItemsRejectsOversizedPages(t *testing.T) {
	c := newTestClient(t)
	ids := make([]int, MaxBatchIDs+1)
	_, err := c.GetWorkItems(context.Background(), ids)
	require.Error(t, err)
}

func TestCreateWorkItemUsesPatchContentType(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).
		Post("/org/Proj/_apis/wit/workitems/.Task").
		MatchParam("bypassRules", "true").
		MatchHeader("Content-Type", `application/json-patch\+json`).
		Reply(200).
		JSON(map[string]any{"id": 101, "rev": 1, "fields": map[string]any{"System.Title": "Brand new"}})

	wi, err := c.CreateWorkItem(context.Background(), "Proj", "Task", domain.PatchDocument{
		{Op: domain.OpAdd, Path: "/fields/System.Title", Value: "Brand new"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 101, wi.ID)
	assert.True(t, gock.IsDone())
}

func TestExecuteBatch(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).
		Post("/org/_apis/wit/.batch").
		MatchType("json").
		Reply(200).
		JSON(map[string]any{
			"count": 2,
			"value": []map[string]any{
				{"code": 200, "body": `{"id":100,"rev":1}`},
				{"code": 412, "body": `{"message":"rev mismatch"}`},
			},
		})

	create := c.CreateBatchRequest("Proj", "Task", domain.PatchDocument{{Op: domain.OpAdd, Path: "/id", Value: -1}}, false)
	update := c.UpdateBatchRequest(7, domain.PatchDocument{{Op: domain.OpTest, Path: "/rev", Value: 3}}, true)
	assert.Equal(t, "/Proj/_apis/wit/workitems/$Task?api-version=7.1", create.URI)
	assert.Equal(t, "/_apis/wit/workitems/7?api-version=7.1&bypassRules=true", update.URI)
	assert.Equal(t, http.MethodPatch, update.Method)

	responses, err := c.ExecuteBatch(context.Background(), []domain.BatchRequest{create, update})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, 200, responses[0].Code)
	assert.Equal(t, 412, responses[1].Code)
	assert.Contains(t, responses[1].Body, "rev mismatch")
	assert.True(t, gock.IsDone())
}

func TestDeleteAndRestore(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).Delete("/org/_apis/wit/workitems/7").Reply(200)
	gock.New(testHost).
		Patch("/org/_apis/wit/recyclebin/7").
		JSON(map[string]any{"IsDeleted": false}).
		Reply(200)

	require.NoError(t, c.DeleteWorkItem(context.Background(), 7))
	require.NoError(t, c.RestoreWorkItem(context.Background(), 7))
	assert.True(t, gock.IsDone())
}

func TestSchemaQueries(t *testing.T) {
	c := newTestClient(t)
	gock.New(testHost).
		Get("/org/Proj/_apis/wit/workitemtypes/Bug").
		Reply(200).
		JSON(map[string]any{
			"name":   "Bug",
			"states": []map[string]any{{"name": "Active", "category": "InProgress"}, {"name": "Closed", "category": "Completed"}},
			"transitions": map[string]any{
				"":       []map[string]any{{"to": "Active"}},
				"Active": []map[string]any{{"to": "Closed", "actions": []string{"Microsoft.VSTS.Actions.Checkin"}}},
			},
		})
	gock.New(testHost).
		Get("/org/Proj/_apis/wit/workitemtypecategories").
		Reply(200).
		JSON(map[string]any{"count": 1, "value": []map[string]any{{
			"name":                "Bug Category",
			"referenceName":       "Microsoft.BugCategory",
			"defaultWorkItemType": map[string]any{"name": "Bug"},
			"workItemTypes":       []map[string]any{{"name": "Bug"}},
		}}})
	gock.New(testHost).
		Get("/org/Proj/_apis/work/backlogconfiguration").
		Reply(200).
		JSON(map[string]any{"workItemTypeMappedStates": []map[string]any{{
			"workItemTypeName": "Bug",
			"states":           map[string]string{"Active": "InProgress", "Closed": "Completed"},
		}}})
	ctx := context.Background()

	bug, err := c.GetWorkItemType(ctx, "Proj", "Bug")
	require.NoError(t, err)
	wf := engine.NewWorkflow(bug)
	assert.Equal(t, []string{"Closed"}, wf.ShortestPath("Active", "Closed"))

	categories, err := c.GetTypeCategories(ctx, "Proj")
	require.NoError(t, err)
	assert.Equal(t, []domain.TypeCategory{{
		Name: "Bug Category", ReferenceName: "Microsoft.BugCategory", DefaultType: "Bug", Types: []string{"Bug"},
	}}, categories)

	states, err := c.GetBacklogStates(ctx, "Proj")
	require.NoError(t, err)
	assert.Equal(t, "Completed", states["Bug"]["Closed"])
	assert.True(t, gock.IsDone())
}
