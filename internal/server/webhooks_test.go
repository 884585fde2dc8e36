package server

import (
	"context"
	"io"
	"net/http"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aggregator/internal/config"
	"aggregator/internal/db"
	"aggregator/internal/domain"
	"aggregator/internal/migrate"
	"aggregator/internal/repo"
)

func TestWebhookDeliversNewMatchingExecutions(t *testing.T) {
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	defer gock.OffAll()

	_, err = r.InsertExecution(ctx, nil, domain.Execution{ID: "old", Rule: "hello", Mode: "item", Status: domain.ExecutionFailed})
	require.NoError(t, err)

	d := newWebhookDispatcher(r, []config.WebhookConfig{{
		URL:    "https://hooks.example.com/notify",
		Events: []string{"execution.failed"},
		Secret: "s3cret",
	}}, nil)
	d.dispatchAll(ctx)

	for _, e := range []domain.Execution{
		{ID: "ok", Rule: "hello", Mode: "item", Status: domain.ExecutionSucceeded},
		{ID: "bad", Rule: "hello", Mode: "item", Status: domain.ExecutionFailed, Error: "boom"},
	} {
		_, err := r.InsertExecution(ctx, nil, e)
		require.NoError(t, err)
	}

	gock.New("https://hooks.example.com").
		Post("/notify").
		MatchHeader("X-Aggregator-Event", "execution.failed").
		MatchHeader("X-Aggregator-Delivery", "bad").
		MatchHeader("X-Aggregator-Secret", "s3cret").
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			data, err := io.ReadAll(req.Body)
			if err != nil {
				return false, err
			}
			var body ExecutionResponse
			if err := json.Unmarshal(data, &body); err != nil {
				return false, err
			}
			return body.ID == "bad" && body.Status == domain.ExecutionFailed && body.Error == "boom", nil
		}).
		Reply(204)

	d.dispatchAll(ctx)
	assert.True(t, gock.IsDone())
	assert.Equal(t, int64(3), d.cursors[0])

	d.dispatchAll(ctx)
	assert.False(t, gock.HasUnmatchedRequest())
}

func TestWebhookStopsAtFailedDelivery(t *testing.T) {
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	defer gock.OffAll()

	d := newWebhookDispatcher(r, []config.WebhookConfig{{URL: "https://hooks.example.com/notify"}}, nil)
	d.dispatchAll(ctx)
	_, err = r.InsertExecution(ctx, nil, domain.Execution{ID: "a", Rule: "hello", Mode: "item", Status: domain.ExecutionSucceeded})
	require.NoError(t, err)

	gock.New("https://hooks.example.com").Post("/notify").Reply(500).BodyString("down")
	d.dispatchAll(ctx)
	assert.Equal(t, int64(0), d.cursors[0])
}
