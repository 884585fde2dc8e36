package aggregatorsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aggregator/internal/app"
	"aggregator/internal/config"
	"aggregator/internal/db"
	"aggregator/internal/domain"
	"aggregator/internal/migrate"
	"aggregator/internal/server"
)

func newTestServer(t *testing.T) (*Client, *app.Service) {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	svc, err := app.NewService(config.Default("https://dev.example.com/org", "Proj"), nil, conn, nil)
	require.NoError(t, err)
	_, key, err := svc.Repo.CreateAPIKey(context.Background(), "sdk", "")
	require.NoError(t, err)
	handler, err := server.New(server.Config{Service: svc})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	c.APIKey = key
	return c, svc
}

func TestClientReadsJournal(t *testing.T) {
	c, svc := newTestServer(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := svc.Repo.InsertExecution(ctx, nil, domain.Execution{
			ID: fmt.Sprintf("e%d", i), Rule: "hello", WorkItemID: i, Mode: "item", Status: domain.ExecutionSucceeded,
		})
		require.NoError(t, err)
	}

	require.NoError(t, c.Health(ctx))
	rules, err := c.Rules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"activate-bug", "hello"}, rules)

	page, err := c.ListExecutions(ctx, ExecutionQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "e3", page.Items[0].ID)
	require.NotEmpty(t, page.NextCursor)

	rest, err := c.ListExecutions(ctx, ExecutionQuery{Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)

	e, err := c.Execution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.WorkItemID)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	_, err := c.Notify(ctx, "missing", WorkItemNotification("workitem.updated", 42, "jane@example.com"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "unknown_rule")

	c.APIKey = ""
	err = c.Health(ctx)
	require.NoError(t, err)
	_, err = c.Rules(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
