package segment

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

var errNotNumeric = errors.New("value is not numeric")

// AsInt coerces a metadata value to an int. Strings are parsed as base-10 and
// floats must be integral; booleans are rejected.
func AsInt(v any) (int, error) {
	switch t := v.(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errNotNumeric, t)
		}
		return n, nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0, fmt.Errorf("%w: %v", errNotNumeric, t)
		}
		return int(t), nil
	case float32:
		return AsInt(float64(t))
	case bool, nil:
		return 0, errNotNumeric
	}
	return cast.ToIntE(v)
}

// AsNumber coerces a metadata value to a finite float64. ok is false for
// anything that is not a number or a numeric string.
func AsNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case bool, nil:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
