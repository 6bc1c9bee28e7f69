package precedence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truthlayer/core/pkg/contracts"
)

func TestAddOverrideAndQuery(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOverride("vat-reduced-books", "vat-standard", "special regime for books"))

	assert.True(t, g.DoesOverride("vat-reduced-books", "vat-standard"))
	assert.False(t, g.DoesOverride("vat-standard", "vat-reduced-books"))
	assert.Equal(t, 1, g.EdgeCount())

	edge, ok := g.Edge("vat-reduced-books", "vat-standard")
	require.True(t, ok)
	assert.Equal(t, "special regime for books", edge.Note)
}

func TestDoesOverrideTransitive(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOverride("a", "b", ""))
	require.NoError(t, g.AddOverride("b", "c", ""))
	require.NoError(t, g.AddOverride("c", "d", ""))

	assert.True(t, g.DoesOverride("a", "d"))
	assert.True(t, g.DoesOverride("b", "d"))
	assert.False(t, g.DoesOverride("d", "a"))
}

func TestDoesOverrideSelf(t *testing.T) {
	g := NewGraph()
	assert.True(t, g.DoesOverride("x", "x"))
}

func TestAddOverrideRejectsDirectCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOverride("a", "b", ""))

	err := g.AddOverride("b", "a", "")
	var cycleErr *CycleDetectedError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "b", cycleErr.FromRuleID)
	assert.Equal(t, "a", cycleErr.ToRuleID)

	// Graph unchanged by the rejected insert.
	assert.Equal(t, 1, g.EdgeCount())
	assert.False(t, g.DoesOverride("b", "a"))
}

func TestAddOverrideRejectsTransitiveCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOverride("a", "b", ""))
	require.NoError(t, g.AddOverride("b", "c", ""))

	var cycleErr *CycleDetectedError
	require.ErrorAs(t, g.AddOverride("c", "a", ""), &cycleErr)
	assert.Equal(t, 2, g.EdgeCount())
}

func TestAddOverrideRejectsSelfLoop(t *testing.T) {
	g := NewGraph()
	var cycleErr *CycleDetectedError
	require.ErrorAs(t, g.AddOverride("a", "a", ""), &cycleErr)
	assert.Equal(t, 0, g.EdgeCount())
}

func TestAddOverrideDuplicateIsNoop(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOverride("a", "b", "first"))
	require.NoError(t, g.AddOverride("a", "b", "second"))
	assert.Equal(t, 1, g.EdgeCount())

	edge, ok := g.Edge("a", "b")
	require.True(t, ok)
	assert.Equal(t, "first", edge.Note)
}

func TestAddOverrideEmptyID(t *testing.T) {
	g := NewGraph()
	err := g.AddOverride("", "b", "")
	require.Error(t, err)
	var cycleErr *CycleDetectedError
	assert.False(t, errors.As(err, &cycleErr))
}

func TestFromEdges(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	g, err := FromEdges([]*contracts.PrecedenceEdge{
		{FromRuleID: "vat-reduced-books", ToRuleID: "vat-standard", Note: "special regime for books", CreatedAt: now},
		{FromRuleID: "vat-standard", ToRuleID: "vat-default", CreatedAt: now},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, g.EdgeCount())
	assert.True(t, g.DoesOverride("vat-reduced-books", "vat-default"))

	edge, ok := g.Edge("vat-reduced-books", "vat-standard")
	require.True(t, ok)
	assert.Equal(t, "special regime for books", edge.Note)
	assert.True(t, edge.CreatedAt.Equal(now))
}

func TestFromEdgesRejectsCyclicSet(t *testing.T) {
	_, err := FromEdges([]*contracts.PrecedenceEdge{
		{FromRuleID: "a", ToRuleID: "b"},
		{FromRuleID: "b", ToRuleID: "c"},
		{FromRuleID: "c", ToRuleID: "a"},
	})
	var cycleErr *CycleDetectedError
	require.ErrorAs(t, err, &cycleErr)
}

func TestFindOverridingRules(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOverride("a", "c", ""))
	require.NoError(t, g.AddOverride("b", "c", ""))
	require.NoError(t, g.AddOverride("d", "a", ""))

	overriding := g.FindOverridingRules("c")
	assert.ElementsMatch(t, []string{"a", "b", "d"}, overriding)
	assert.Empty(t, g.FindOverridingRules("d"))
}
