package proposal

import (
	"math"

	"github.com/markymo/compass-sub003/internal/model"
)

// Equal reports whether a and b are the same value once both are coerced to
// def's data type. Values that cannot be coerced are compared as formatted
// text so stored legacy values never panic the comparison.
func Equal(def model.FieldDefinition, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, errA := Coerce(def, a)
	cb, errB := Coerce(def, b)
	if errA != nil || errB != nil {
		return CanonicalText(describe(a)) == CanonicalText(describe(b))
	}

	switch va := ca.(type) {
	case float64:
		vb := cb.(float64)
		return math.Abs(va-vb) <= 1e-9*math.Max(1, math.Max(math.Abs(va), math.Abs(vb)))
	case []string:
		vb := cb.([]string)
		if len(va) != len(vb) {
			return false
		}
		for i := range va {
			if va[i] != vb[i] {
				return false
			}
		}
		return true
	default:
		return ca == cb
	}
}
