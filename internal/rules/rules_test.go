package rules

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aggregator/internal/config"
	"aggregator/internal/domain"
	"aggregator/internal/engine"
	"aggregator/internal/witclient"
)

const testHost = "https://dev.example.com"

func newClient(t *testing.T) *witclient.Client {
	t.Helper()
	c := witclient.New(testHost+"/org", "pat")
	c.HTTPClient = &http.Client{}
	c.RetryInitial = time.Millisecond
	gock.InterceptClient(c.HTTPClient)
	t.Cleanup(func() {
		gock.RestoreClient(c.HTTPClient)
		gock.OffAll()
	})
	return c
}

func mockBug42() {
	gock.New(testHost).
		Get("/org/_apis/wit/workitems/42").
		Reply(200).
		JSON(map[string]any{
			"id":  42,
			"rev": 3,
			"fields": map[string]any{
				"System.Id":           42,
				"System.WorkItemType": "Bug",
				"System.Title":        "Hello",
				"System.TeamProject":  "Proj",
			},
		})
}

func bodyContains(parts ...string) gock.MatchFunc {
	return func(req *http.Request, _ *gock.Request) (bool, error) {
		if req.Body == nil {
			return false, nil
		}
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return false, err
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		for _, p := range parts {
			if !strings.Contains(string(b), p) {
				return false, nil
			}
		}
		return true, nil
	}
}

func TestHelloTemplateRule(t *testing.T) {
	client := newClient(t)
	mockBug42()
	registry, err := FromConfig(config.Default(testHost+"/org", "Proj").Rules)
	require.NoError(t, err)
	rule, err := registry.Get("hello")
	require.NoError(t, err)

	runner := engine.Runner{Client: client, Options: engine.RunnerOptions{EnableRevisionCheck: true}}
	res, err := runner.Execute(context.Background(), domain.WorkItemEvent{EventType: "workitem.updated", WorkItemID: 42}, rule)
	require.NoError(t, err)

	assert.Equal(t, "Hello Bug #42 - Hello!", res.Message)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.True(t, gock.IsDone())
	assert.False(t, gock.HasUnmatchedRequest())
}

func TestTemplateRuleSetsFieldsAndCreatesChild(t *testing.T) {
	client := newClient(t)
	mockBug42()
	gock.New(testHost).
		Post("/org/Proj/_apis/wit/workitems/.Task").
		AddMatcher(bodyContains(`"Follow up on #42"`)).
		Reply(200).
		JSON(map[string]any{"id": 100, "rev": 1, "fields": map[string]any{"System.WorkItemType": "Task"}})
	gock.New(testHost).
		Patch("/org/_apis/wit/workitems/42").
		AddMatcher(bodyContains(`"triaged;bug"`, `workItems/100"`, domain.RelChild)).
		Reply(200).
		JSON(map[string]any{"id": 42, "rev": 4, "fields": map[string]any{}})

	rule, err := NewTemplate("triage", config.RuleConfig{
		Events:      []string{"workitem.created"},
		Set:         map[string]string{"System.Tags": "triaged;{{lower .Type}}"},
		CreateChild: &config.ChildConfig{Type: "Task", Title: "Follow up on #{{.ID}}"},
		Message:     "triaged {{.ID}}",
	})
	require.NoError(t, err)

	runner := engine.Runner{Client: client, Options: engine.RunnerOptions{Mode: engine.SaveItem}}
	res, err := runner.Execute(context.Background(), domain.WorkItemEvent{EventType: "workitem.created", WorkItemID: 42}, rule)
	require.NoError(t, err)

	assert.Equal(t, "triaged 42", res.Message)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.True(t, gock.IsDone())
}

func TestTemplateRuleIgnoresOtherEvents(t *testing.T) {
	client := newClient(t)
	mockBug42()
	rule, err := NewTemplate("only-tasks", config.RuleConfig{
		Types: []string{"Task"},
		Set:   map[string]string{"System.Tags": "x"},
	})
	require.NoError(t, err)

	runner := engine.Runner{Client: client}
	res, err := runner.Execute(context.Background(), domain.WorkItemEvent{WorkItemID: 42}, rule)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.False(t, gock.HasUnmatchedRequest())

	assert.True(t, rule.Accepts("anything", "Task"))
	assert.False(t, rule.Accepts("anything", "Bug"))
}

func TestNewTemplateRejectsBadSyntax(t *testing.T) {
	_, err := NewTemplate("broken", config.RuleConfig{Message: "{{.Title"})
	require.ErrorContains(t, err, "rule broken message")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Func{RuleName: "b", Fn: func(context.Context, *engine.RuleContext) (string, error) { return "b", nil }}))
	require.NoError(t, r.Register(Func{RuleName: "a"}))
	require.ErrorIs(t, r.Register(Func{RuleName: "a"}), ErrDuplicateRule)

	assert.Equal(t, []string{"a", "b"}, r.Names())
	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrUnknownRule)

	rule, err := r.Get("b")
	require.NoError(t, err)
	msg, err := rule.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", msg)
}
