// Package stats is the boundary to the external analytics pipeline. The only
// contract the scheduler relies on is "raw run output in, metrics map out";
// the numeric internals live elsewhere.
package stats

import (
	"encoding/json"
	"fmt"
)

// Func derives a metrics map from one result's raw output blob.
type Func func(raw string) (map[string]float64, error)

// Passthrough keeps the numeric top-level fields of a raw JSON blob. It is
// the default when no external analytics pipeline is wired in.
func Passthrough(raw string) (map[string]float64, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("raw output is not JSON: %w", err)
	}
	out := make(map[string]float64)
	for k, v := range m {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out, nil
}
