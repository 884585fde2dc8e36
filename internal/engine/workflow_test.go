package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"aggregator/internal/domain"
)

func TestShortestPath(t *testing.T) {
	wf := NewWorkflow(bugWorkflow())

	assert.Equal(t, []string{"Active", "Resolved", "Closed"}, wf.ShortestPath("Proposed", "Closed"))
	assert.Equal(t, []string{"Active"}, wf.ShortestPath("Proposed", "Active"))
	assert.Equal(t, []string{"Proposed"}, wf.ShortestPath("", "Proposed"))
	assert.Nil(t, wf.ShortestPath("Closed", "Proposed"))
	assert.Nil(t, wf.ShortestPath("Active", "Active"))
	assert.Nil(t, wf.ShortestPath("Active", "Unknown"))
	assert.Equal(t, []string{"Active", "Closed", "Proposed", "Resolved"}, wf.States())
	assert.True(t, wf.IsValidState(""))
}

func TestShortestPathPrefersFewerHops(t *testing.T) {
	schema := bugWorkflow()
	schema.Transitions["Active"] = append(schema.Transitions["Active"], domain.Transition{To: "Closed"})
	wf := NewWorkflow(schema)
	assert.Equal(t, []string{"Active", "Closed"}, wf.ShortestPath("Proposed", "Closed"))
}

func transitionFixture(t *testing.T, state string) (*fakeClient, *Store, *WorkItem) {
	client := newFakeClient()
	client.types["Bug"] = bugWorkflow()
	store, item := loadItem(t, client, Options{Project: "Proj", EnableRevisionCheck: true}, domain.WorkItem{
		ID: 1, Rev: 3, Fields: map[string]any{
			domain.FieldWorkItemType: "Bug",
			domain.FieldTeamProject:  "Proj",
			domain.FieldState:        state,
		},
	})
	return client, store, item
}

func TestTransitionSingleHopStaysInMemory(t *testing.T) {
	client, store, item := transitionFixture(t, "Proposed")

	require.NoError(t, store.TransitionToState(context.Background(), item, "Active", false, ""))

	assert.Empty(t, client.updates)
	assert.Equal(t, "Active", item.State())
	assert.Equal(t, []string{"test /rev", "replace /fields/System.State"}, patchPaths(item.Changes()))
}

func TestTransitionPersistsIntermediateHops(t *testing.T) {
	client, store, item := transitionFixture(t, "Proposed")

	require.NoError(t, store.TransitionToState(context.Background(), item, "Closed", false, "automated"))

	require.Len(t, client.updates, 2)
	assert.Equal(t, domain.PatchDocument{
		{Op: domain.OpTest, Path: "/rev", Value: 3},
		{Op: domain.OpReplace, Path: "/fields/System.State", Value: "Active"},
		{Op: domain.OpAdd, Path: "/fields/System.History", Value: "automated"},
	}, client.updates[0].Patch)
	assert.Equal(t, "Resolved", client.updates[1].Patch[1].Value)
	assert.Equal(t, 4, client.updates[1].Patch[0].Value)

	assert.Equal(t, "Closed", item.State())
	assert.Equal(t, 5, item.Rev())
	assert.Equal(t, domain.PatchOperation{Op: domain.OpTest, Path: "/rev", Value: 5}, item.Changes()[0])
	assert.Equal(t, 1, client.typeCalls)
}

func TestTransitionRollsBackOnFailedHop(t *testing.T) {
	client, store, item := transitionFixture(t, "Proposed")
	client.failUpdate = func(call, _ int) error {
		if call == 2 {
			return errors.New("conflict")
		}
		return nil
	}

	err := store.TransitionToState(context.Background(), item, "Closed", false, "")
	require.ErrorIs(t, err, ErrTransition)
	assert.Equal(t, "Proposed", item.State())
	assert.Equal(t, []string{"test /rev"}, patchPaths(item.Changes()))
	assert.Len(t, client.updates, 2)
}

func TestTransitionDryRunSkipsRemoteHops(t *testing.T) {
	client := newFakeClient()
	client.types["Bug"] = bugWorkflow()
	store, item := loadItem(t, client, Options{DryRun: true}, domain.WorkItem{
		ID: 1, Rev: 3, Fields: map[string]any{domain.FieldWorkItemType: "Bug", domain.FieldState: "Proposed"},
	})

	require.NoError(t, store.TransitionToState(context.Background(), item, "Closed", false, ""))
	assert.Empty(t, client.updates)
	assert.Equal(t, "Closed", item.State())
}

func TestTransitionPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("new item", func(t *testing.T) {
		_, store, _ := transitionFixture(t, "Proposed")
		fresh, err := store.NewWorkItem("Bug")
		require.NoError(t, err)
		require.ErrorIs(t, store.TransitionToState(ctx, fresh, "Active", false, ""), ErrTransition)
	})
	t.Run("deleted item", func(t *testing.T) {
		client := newFakeClient()
		client.types["Bug"] = bugWorkflow()
		store, item := loadItem(t, client, Options{}, domain.WorkItem{
			ID: 2, Rev: 1, IsDeleted: true, Fields: map[string]any{domain.FieldWorkItemType: "Bug", domain.FieldState: "Active"},
		})
		require.ErrorIs(t, store.TransitionToState(ctx, item, "Resolved", false, ""), ErrTransition)
	})
	t.Run("pending state change", func(t *testing.T) {
		_, store, item := transitionFixture(t, "Proposed")
		require.NoError(t, item.SetState("Active"))
		require.ErrorIs(t, store.TransitionToState(ctx, item, "Resolved", false, ""), ErrTransition)
	})
	t.Run("unknown type", func(t *testing.T) {
		client := newFakeClient()
		store, item := loadItem(t, client, Options{}, domain.WorkItem{
			ID: 2, Rev: 1, Fields: map[string]any{domain.FieldWorkItemType: "Epic", domain.FieldState: "New"},
		})
		require.ErrorIs(t, store.TransitionToState(ctx, item, "Done", false, ""), ErrNotFound)
	})
	t.Run("invalid target", func(t *testing.T) {
		_, store, item := transitionFixture(t, "Proposed")
		err := store.TransitionToState(ctx, item, "Done", false, "")
		require.ErrorIs(t, err, ErrInvalidState)
		assert.Contains(t, err.Error(), "target")
	})
	t.Run("invalid current", func(t *testing.T) {
		_, store, item := transitionFixture(t, "Limbo")
		err := store.TransitionToState(ctx, item, "Closed", false, "")
		require.ErrorIs(t, err, ErrInvalidState)
		assert.Contains(t, err.Error(), "current")
	})
	t.Run("unreachable", func(t *testing.T) {
		client, store, item := transitionFixture(t, "Closed")
		require.ErrorIs(t, store.TransitionToState(ctx, item, "Proposed", false, ""), ErrUnreachableState)
		assert.Empty(t, client.updates)
		assert.Empty(t, patchPaths(item.Changes())[1:])
	})
}

func TestTransitionRejectionsAreLogged(t *testing.T) {
	client := newFakeClient()
	client.types["Bug"] = bugWorkflow()
	client.add(domain.WorkItem{ID: 1, Rev: 3, Fields: map[string]any{
		domain.FieldWorkItemType: "Bug",
		domain.FieldTeamProject:  "Proj",
		domain.FieldState:        "Closed",
	}})
	logger, logs := observedLogger()
	store := NewStore(client, logger, Options{Project: "Proj"})
	ctx := context.Background()
	item, err := store.Get(ctx, PermanentID(1))
	require.NoError(t, err)

	require.ErrorIs(t, store.TransitionToState(ctx, item, "Proposed", false, ""), ErrUnreachableState)
	require.ErrorIs(t, store.TransitionToState(ctx, item, "Done", false, ""), ErrInvalidState)

	rejected := logs.FilterMessageSnippet("rejected").All()
	require.Len(t, rejected, 2)
	assert.Equal(t, zapcore.WarnLevel, rejected[0].Level)
	assert.Empty(t, client.updates)
}

func TestWorkflowIsCachedPerProject(t *testing.T) {
	client := newFakeClient()
	client.types["Bug"] = bugWorkflow()
	store := NewStore(client, nil, Options{Project: "Proj"})
	ctx := context.Background()

	for _, project := range []string{"Proj", "Other", "Proj", "Other"} {
		wf, err := store.Workflow(ctx, project, "Bug")
		require.NoError(t, err)
		require.True(t, wf.IsValidState("Active"))
	}
	assert.Equal(t, 2, client.typeCalls)
	assert.Equal(t, []string{"Proj", "Other"}, client.typeProjects)
}
