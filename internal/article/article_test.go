package article

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/api/internal/store"
)

func node(id string, chain ...string) store.Article {
	return store.Article{ID: id, Title: "title-" + id, ParentChain: chain}
}

func TestBuildTreeCoversEveryDescendantOnce(t *testing.T) {
	// Children listed before their parents on purpose.
	descendants := []store.Article{
		node("e", "r", "b", "d"),
		node("d", "r", "b"),
		node("c", "r", "a"),
		node("a", "r"),
		node("b", "r"),
	}

	tree := BuildTree("r", descendants)

	require.Len(t, tree, 2)
	assert.Equal(t, "a", tree[0].ID)
	assert.Equal(t, "b", tree[1].ID)
	assert.Equal(t, []string{"c"}, Flatten(tree[0].Children))
	require.Len(t, tree[1].Children, 1)
	assert.Equal(t, "d", tree[1].Children[0].ID)
	assert.Equal(t, "e", tree[1].Children[0].Children[0].ID)

	flat := Flatten(tree)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, flat)
	assert.Len(t, flat, 5)
}

func TestBuildTreeDropsOrphans(t *testing.T) {
	descendants := []store.Article{
		node("a", "r"),
		node("x", "r", "missing"),
		node("y", "r", "missing", "x"),
	}

	tree := BuildTree("r", descendants)

	assert.Equal(t, []string{"a"}, Flatten(tree))
}

func TestBuildTreeOfSubtree(t *testing.T) {
	descendants := []store.Article{
		node("b", "r", "a"),
		node("c", "r", "a", "b"),
	}

	tree := BuildTree("a", descendants)

	require.Len(t, tree, 1)
	assert.Equal(t, "b", tree[0].ID)
	assert.Equal(t, []string{"b", "c"}, Flatten(tree))
}

func TestBuildTreeEmpty(t *testing.T) {
	tree := BuildTree("r", nil)
	assert.NotNil(t, tree)
	assert.Empty(t, tree)
}

func TestResolveLinksImmediateChildrenOnly(t *testing.T) {
	a := node("a", "r")
	descendants := []store.Article{
		node("b", "r", "a"),
		node("c", "r", "a"),
		node("d", "r", "a", "b"),
	}

	links := ResolveLinks(a, descendants)

	assert.True(t, links.HasParent)
	assert.Equal(t, "r", links.ParentID)
	ids := []string{}
	for _, child := range links.Children {
		ids = append(ids, child.ID)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, ids)
}

func TestResolveLinksRootHasNoParent(t *testing.T) {
	links := ResolveLinks(node("r"), []store.Article{node("a", "r")})

	assert.False(t, links.HasParent)
	assert.Empty(t, links.ParentID)
	require.Len(t, links.Children, 1)
	assert.Equal(t, Link{ID: "a", Title: "title-a"}, links.Children[0])
}

func TestPlanDeletion(t *testing.T) {
	tests := []struct {
		name        string
		target      store.Article
		descendants []store.Article
		force       bool
		wantErr     error
		wantParent  string
		wantIDs     []string
	}{
		{
			name:       "leaf",
			target:     node("b", "r", "a"),
			wantParent: "a",
			wantIDs:    []string{"b"},
		},
		{
			name:        "non-leaf refused",
			target:      node("a", "r"),
			descendants: []store.Article{node("b", "r", "a")},
			wantErr:     ErrHasChildren,
		},
		{
			name:        "grandchild alone still blocks",
			target:      node("a", "r"),
			descendants: []store.Article{node("c", "r", "a", "b")},
			wantErr:     ErrHasChildren,
		},
		{
			name:        "force cascades",
			target:      node("a", "r"),
			descendants: []store.Article{node("b", "r", "a"), node("c", "r", "a", "b")},
			force:       true,
			wantParent:  "r",
			wantIDs:     []string{"a", "b", "c"},
		},
		{
			name:       "root falls back to itself",
			target:     node("r"),
			wantParent: "r",
			wantIDs:    []string{"r"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := PlanDeletion(tc.target, tc.descendants, tc.force)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantParent, plan.ParentID)
			assert.ElementsMatch(t, tc.wantIDs, plan.DeleteIDs)
		})
	}
}

func TestValidateReparent(t *testing.T) {
	a := node("a", "r")
	assert.NoError(t, ValidateReparent(a, node("x", "r")))
	assert.ErrorIs(t, ValidateReparent(a, a), ErrInvalidParent)
	assert.ErrorIs(t, ValidateReparent(a, node("c", "r", "a", "b")), ErrInvalidParent)
}

func TestRebaseChains(t *testing.T) {
	target := node("b", "r", "a")
	parent := node("x", "r", "w")
	descendants := []store.Article{
		node("c", "r", "a", "b"),
		node("d", "r", "a", "b", "c"),
	}

	chains := RebaseChains(target, parent, descendants)

	assert.Equal(t, map[string][]string{
		"b": {"r", "w", "x"},
		"c": {"r", "w", "x", "b"},
		"d": {"r", "w", "x", "b", "c"},
	}, chains)
	assert.Equal(t, []string{"r", "a", "b"}, descendants[0].ParentChain, "input untouched")
}

func TestToggleRelated(t *testing.T) {
	ids := []string{"a", "b"}

	assert.Equal(t, []string{"a", "b", "c"}, ToggleRelated(ids, "c", true))
	assert.Equal(t, []string{"a", "b"}, ToggleRelated(ids, "a", true), "idempotent")
	assert.Equal(t, []string{"b"}, ToggleRelated(ids, "a", false))
	assert.Equal(t, []string{"a", "b"}, ToggleRelated(ids, "z", false))
	assert.Equal(t, []string{"a", "b"}, ids)
}
