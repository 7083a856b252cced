package pipeline

import (
	"math"
	"strconv"
	"strings"
)

// nullTokens are string spellings of a missing value produced by dataframe
// exports. They never reach the destination as text.
var nullTokens = map[string]bool{
	"":     true,
	"nan":  true,
	"na":   true,
	"<na>": true,
	"null": true,
	"none": true,
}

// isNull reports whether a source cell carries no value.
func isNull(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(v)
	case float32:
		return math.IsNaN(float64(v))
	case string:
		return nullTokens[strings.ToLower(strings.TrimSpace(v))]
	default:
		return false
	}
}

// asString renders a non-null cell as text. Integral floats print without a
// fractional part so 900.0 seconds becomes "900".
func asString(v any) (string, bool) {
	if isNull(v) {
		return "", false
	}
	switch v := v.(type) {
	case string:
		return v, true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float64:
		if math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// asInt converts a non-null cell to an integer. Floats must be integral and in
// range; strings must parse as an integral number.
func asInt(v any) (int64, bool) {
	if isNull(v) {
		return 0, false
	}
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		return floatToInt(v)
	case float32:
		return floatToInt(float64(v))
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// asFloat converts a non-null cell to a finite float.
func asFloat(v any) (float64, bool) {
	if isNull(v) {
		return 0, false
	}
	var f float64
	switch v := v.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int:
		f = float64(v)
	case uint64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// jsonSafe replaces values encoding/json rejects (NaN, ±Inf) with nil.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil
		}
	}
	return v
}
