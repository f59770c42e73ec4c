package contracts

import "time"

// MergeConstraints computes the effective constraints of a child delegation
// against its parent's, per the total, deterministic rules of §4.3:
//   - numeric upper bounds: min(non-nil)
//   - lower time bounds (hour start, validFrom): max
//   - upper time bounds (hour end, validUntil): min
//   - allow-sets: intersection
//   - block-sets: union
//   - canSubDelegate: logical AND
//   - timezone: child overrides if present, else parent
//   - semantic clauses: concatenated with " AND "
//   - custom: shallow merge, child keys win
func MergeConstraints(parent, child *Constraints) *Constraints {
	if parent == nil {
		parent = &Constraints{}
	}
	if child == nil {
		child = &Constraints{}
	}

	out := &Constraints{
		MaxSingleAmount:  minFloatPtr(parent.MaxSingleAmount, child.MaxSingleAmount),
		MaxDailySpend:    minFloatPtr(parent.MaxDailySpend, child.MaxDailySpend),
		MaxWeeklySpend:   minFloatPtr(parent.MaxWeeklySpend, child.MaxWeeklySpend),
		MaxMonthlySpend:  minFloatPtr(parent.MaxMonthlySpend, child.MaxMonthlySpend),
		MaxTotalSpend:    minFloatPtr(parent.MaxTotalSpend, child.MaxTotalSpend),
		MaxUsageCount:    minIntPtr(parent.MaxUsageCount, child.MaxUsageCount),
		MaxSubDelegation: minIntPtr(parent.MaxSubDelegation, child.MaxSubDelegation),

		AllowedMerchants:  Intersect(parent.AllowedMerchants, child.AllowedMerchants),
		BlockedMerchants:  Union(parent.BlockedMerchants, child.BlockedMerchants),
		AllowedCategories: Intersect(parent.AllowedCategories, child.AllowedCategories),
		BlockedCategories: Union(parent.BlockedCategories, child.BlockedCategories),
		AllowedCurrencies: Intersect(parent.AllowedCurrencies, child.AllowedCurrencies),
		AllowedDaysOfWeek: Intersect(parent.AllowedDaysOfWeek, child.AllowedDaysOfWeek),

		HourStart: maxIntPtr(parent.HourStart, child.HourStart),
		HourEnd:   minIntPtr(parent.HourEnd, child.HourEnd),

		ValidFrom:  maxTimePtr(parent.ValidFrom, child.ValidFrom),
		ValidUntil: minTimePtr(parent.ValidUntil, child.ValidUntil),

		CanSubDelegate: parent.CanSubDelegate && child.CanSubDelegate,
		RequireReason:  parent.RequireReason || child.RequireReason,
	}

	out.Timezone = parent.Timezone
	if child.Timezone != "" {
		out.Timezone = child.Timezone
	}

	switch {
	case parent.SemanticConstraint != "" && child.SemanticConstraint != "":
		out.SemanticConstraint = parent.SemanticConstraint + " AND " + child.SemanticConstraint
	case parent.SemanticConstraint != "":
		out.SemanticConstraint = parent.SemanticConstraint
	default:
		out.SemanticConstraint = child.SemanticConstraint
	}

	if len(parent.Custom) > 0 || len(child.Custom) > 0 {
		out.Custom = make(map[string]interface{}, len(parent.Custom)+len(child.Custom))
		for k, v := range parent.Custom {
			out.Custom[k] = v
		}
		for k, v := range child.Custom {
			out.Custom[k] = v
		}
	}

	return out
}

// IsLoosening reports whether child relaxes any bound that parent set —
// used at mint time to reject a requested delegation that would widen what
// the parent granted (§4.3 minting rule).
func IsLoosening(parent, child *Constraints) bool {
	if parent == nil {
		return false
	}
	if child == nil {
		child = &Constraints{}
	}
	if widensFloat(parent.MaxSingleAmount, child.MaxSingleAmount) ||
		widensFloat(parent.MaxDailySpend, child.MaxDailySpend) ||
		widensFloat(parent.MaxWeeklySpend, child.MaxWeeklySpend) ||
		widensFloat(parent.MaxMonthlySpend, child.MaxMonthlySpend) ||
		widensFloat(parent.MaxTotalSpend, child.MaxTotalSpend) ||
		widensInt(parent.MaxUsageCount, child.MaxUsageCount) ||
		widensInt(parent.MaxSubDelegation, child.MaxSubDelegation) {
		return true
	}
	if broadensSet(parent.AllowedMerchants, child.AllowedMerchants) ||
		broadensSet(parent.AllowedCategories, child.AllowedCategories) ||
		broadensSet(parent.AllowedCurrencies, child.AllowedCurrencies) ||
		broadensSet(parent.AllowedDaysOfWeek, child.AllowedDaysOfWeek) {
		return true
	}
	if narrowsBlockSet(parent.BlockedMerchants, child.BlockedMerchants) ||
		narrowsBlockSet(parent.BlockedCategories, child.BlockedCategories) {
		return true
	}
	if parent.ValidUntil != nil && (child.ValidUntil == nil || child.ValidUntil.After(*parent.ValidUntil)) {
		return true
	}
	if parent.ValidFrom != nil && (child.ValidFrom == nil || child.ValidFrom.Before(*parent.ValidFrom)) {
		return true
	}
	if parent.HourStart != nil && (child.HourStart == nil || *child.HourStart < *parent.HourStart) {
		return true
	}
	if parent.HourEnd != nil && (child.HourEnd == nil || *child.HourEnd > *parent.HourEnd) {
		return true
	}
	if !parent.CanSubDelegate && child.CanSubDelegate {
		return true
	}
	return false
}

func widensFloat(parent, child *float64) bool {
	if parent == nil {
		return false // parent unconstrained, nothing to widen
	}
	if child == nil {
		return true // child removes a cap the parent had
	}
	return *child > *parent
}

func widensInt(parent, child *int) bool {
	if parent == nil {
		return false
	}
	if child == nil {
		return true
	}
	return *child > *parent
}

// broadensSet reports whether child's allow-set is broader than parent's
// (parent constrained, child is unconstrained or adds members parent lacked).
func broadensSet(parent, child *StringSet) bool {
	if parent == nil {
		return false
	}
	if child == nil {
		return true
	}
	for _, v := range child.Values() {
		if !parent.Contains(v) {
			return true
		}
	}
	return false
}

// narrowsBlockSet reports whether child removes a blocked member the parent
// required blocked.
func narrowsBlockSet(parent, child *StringSet) bool {
	if parent == nil {
		return false
	}
	for _, v := range parent.Values() {
		if !child.Contains(v) {
			return true
		}
	}
	return false
}

func minFloatPtr(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a < *b:
		return a
	default:
		return b
	}
}

func minIntPtr(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a < *b:
		return a
	default:
		return b
	}
}

func maxIntPtr(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a > *b:
		return a
	default:
		return b
	}
}

func minTimePtr(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Before(*b):
		return a
	default:
		return b
	}
}

func maxTimePtr(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.After(*b):
		return a
	default:
		return b
	}
}
