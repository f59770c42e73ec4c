package contracts

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestMergeConstraints_NumericCapsTakeMin(t *testing.T) {
	parent := &Constraints{MaxSingleAmount: floatPtr(500)}
	child := &Constraints{MaxSingleAmount: floatPtr(100)}
	merged := MergeConstraints(parent, child)
	require.NotNil(t, merged.MaxSingleAmount)
	assert.Equal(t, 100.0, *merged.MaxSingleAmount)
}

func TestMergeConstraints_NilIsIdentity(t *testing.T) {
	parent := &Constraints{MaxSingleAmount: floatPtr(500)}
	merged := MergeConstraints(parent, nil)
	require.NotNil(t, merged.MaxSingleAmount)
	assert.Equal(t, 500.0, *merged.MaxSingleAmount)
}

func TestMergeConstraints_BlockSetsUnion(t *testing.T) {
	parent := &Constraints{BlockedMerchants: NewStringSet("a")}
	child := &Constraints{BlockedMerchants: NewStringSet("b")}
	merged := MergeConstraints(parent, child)
	assert.True(t, merged.BlockedMerchants.Contains("a"))
	assert.True(t, merged.BlockedMerchants.Contains("b"))
}

func TestMergeConstraints_AllowSetsIntersect(t *testing.T) {
	parent := &Constraints{AllowedMerchants: NewStringSet("a", "b")}
	child := &Constraints{AllowedMerchants: NewStringSet("b", "c")}
	merged := MergeConstraints(parent, child)
	assert.False(t, merged.AllowedMerchants.Contains("a"))
	assert.True(t, merged.AllowedMerchants.Contains("b"))
	assert.False(t, merged.AllowedMerchants.Contains("c"))
}

func TestMergeConstraints_CanSubDelegateIsAnd(t *testing.T) {
	assert.False(t, MergeConstraints(&Constraints{CanSubDelegate: true}, &Constraints{CanSubDelegate: false}).CanSubDelegate)
	assert.True(t, MergeConstraints(&Constraints{CanSubDelegate: true}, &Constraints{CanSubDelegate: true}).CanSubDelegate)
}

func TestMergeConstraints_SemanticClausesConcatenate(t *testing.T) {
	parent := &Constraints{SemanticConstraint: "must be for travel"}
	child := &Constraints{SemanticConstraint: "must be under $50"}
	merged := MergeConstraints(parent, child)
	assert.Equal(t, "must be for travel AND must be under $50", merged.SemanticConstraint)
}

func TestMergeConstraints_CustomChildWins(t *testing.T) {
	parent := &Constraints{Custom: map[string]interface{}{"k": "parent", "onlyParent": 1}}
	child := &Constraints{Custom: map[string]interface{}{"k": "child"}}
	merged := MergeConstraints(parent, child)
	assert.Equal(t, "child", merged.Custom["k"])
	assert.Equal(t, 1, merged.Custom["onlyParent"])
}

// TestMergeResultNeverWidensCap is the quantified §8 property: for any
// parent/child numeric caps, the merged cap never exceeds the parent's.
func TestMergeResultNeverWidensCap(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("merged MaxSingleAmount <= parent's", prop.ForAll(
		func(parentAmount, childAmount float64) bool {
			parent := &Constraints{MaxSingleAmount: floatPtr(parentAmount)}
			child := &Constraints{MaxSingleAmount: floatPtr(childAmount)}
			merged := MergeConstraints(parent, child)
			return *merged.MaxSingleAmount <= parentAmount
		},
		gen.Float64Range(0, 1_000_000),
		gen.Float64Range(0, 1_000_000),
	))

	properties.TestingRun(t)
}

func TestIsLoosening_WidensNumericCapRejected(t *testing.T) {
	parent := &Constraints{MaxSingleAmount: floatPtr(100)}
	child := &Constraints{MaxSingleAmount: floatPtr(200)}
	assert.True(t, IsLoosening(parent, child))
}

func TestIsLoosening_TightensCapAccepted(t *testing.T) {
	parent := &Constraints{MaxSingleAmount: floatPtr(100)}
	child := &Constraints{MaxSingleAmount: floatPtr(50)}
	assert.False(t, IsLoosening(parent, child))
}

func TestIsLoosening_BroadensAllowSetRejected(t *testing.T) {
	parent := &Constraints{AllowedMerchants: NewStringSet("a")}
	child := &Constraints{AllowedMerchants: NewStringSet("a", "b")}
	assert.True(t, IsLoosening(parent, child))
}

func TestIsLoosening_NarrowsBlockSetRejected(t *testing.T) {
	parent := &Constraints{BlockedMerchants: NewStringSet("a", "b")}
	child := &Constraints{BlockedMerchants: NewStringSet("a")}
	assert.True(t, IsLoosening(parent, child))
}

func TestIsLoosening_EnablesSubDelegationRejected(t *testing.T) {
	parent := &Constraints{CanSubDelegate: false}
	child := &Constraints{CanSubDelegate: true}
	assert.True(t, IsLoosening(parent, child))
}

func TestIsLoosening_ExtendsValidityRejected(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	parentUntil := base.Add(time.Hour)
	childUntil := base.Add(2 * time.Hour)
	parent := &Constraints{ValidUntil: &parentUntil}
	child := &Constraints{ValidUntil: &childUntil}
	assert.True(t, IsLoosening(parent, child))
}

func TestIsLoosening_NilParentNeverLoosens(t *testing.T) {
	assert.False(t, IsLoosening(nil, &Constraints{MaxSingleAmount: floatPtr(1)}))
}
