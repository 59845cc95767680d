// Package pricing maps generation parameters to credit costs and holds the
// per-model parameter allow-lists enforced at admission.
package pricing

// defaultUnitCost is charged when a model/duration pair is missing from the
// table. Admission validates combinations up front, so this only covers
// pricing-table gaps for already-admitted work (refunds in particular must
// never fail on a lookup).
const defaultUnitCost = 15

var priceTable = map[string]map[int]int64{
	"sora-2":     {5: 8, 10: 15, 15: 23},
	"sora-2-pro": {15: 23, 25: 38},
}

var allowedDurations = map[string]map[int]bool{
	"sora-2":     {5: true, 10: true, 15: true},
	"sora-2-pro": {15: true, 25: true},
}

var allowedSizes = map[string]map[string]bool{
	"sora-2":     {"small": true, "medium": true},
	"sora-2-pro": {"small": true, "medium": true, "large": true},
}

// UnitCost returns the credits charged per generated unit. Unknown
// combinations fall back to the default cost instead of erroring.
func UnitCost(model string, duration int, size string) int64 {
	durations, ok := priceTable[model]
	if !ok {
		return defaultUnitCost
	}
	cost, ok := durations[duration]
	if !ok {
		return defaultUnitCost
	}
	return cost
}

// KnownModel reports whether the model appears in the allow-lists.
func KnownModel(model string) bool {
	_, ok := allowedDurations[model]
	return ok
}

// AllowedCombination reports whether the model supports the duration and size.
func AllowedCombination(model string, duration int, size string) bool {
	durations, ok := allowedDurations[model]
	if !ok || !durations[duration] {
		return false
	}
	sizes, ok := allowedSizes[model]
	if !ok || !sizes[size] {
		return false
	}
	return true
}
