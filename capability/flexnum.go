package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlexNumber is a float64 that decodes from either a JSON number or a string
// representation of one. The decoded value must be finite. Use it as the
// field type for numeric capability arguments so that direct decoding paths
// apply the same coercion as contract validation.
type FlexNumber float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexNumber) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == 0 {
		return fmt.Errorf("expected a number")
	}

	var text string
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("expected a number: %w", err)
		}
		text = strings.TrimSpace(s)
	} else {
		text = trimmed
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("value %q is not a number", text)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("value %q is not finite", text)
	}
	*n = FlexNumber(f)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n FlexNumber) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite value is not encodable")
	}
	return json.Marshal(f)
}

// Float64 returns the underlying value.
func (n FlexNumber) Float64() float64 { return float64(n) }
