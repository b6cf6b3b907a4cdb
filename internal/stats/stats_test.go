package stats

import "testing"

func TestPassthrough(t *testing.T) {
	t.Parallel()
	got, err := Passthrough(`{"snr": 12.5, "mcs": 9, "peer": "00:11:22", "nested": {"x": 1}}`)
	if err != nil {
		t.Fatalf("Passthrough error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("kept %d fields, want 2: %v", len(got), got)
	}
	if got["snr"] != 12.5 || got["mcs"] != 9 {
		t.Fatalf("metrics = %v", got)
	}
}

func TestPassthroughEmpty(t *testing.T) {
	t.Parallel()
	got, err := Passthrough("")
	if err != nil {
		t.Fatalf("Passthrough error: %v", err)
	}
	if got != nil {
		t.Fatalf("empty input produced %v", got)
	}
}

func TestPassthroughNotJSON(t *testing.T) {
	t.Parallel()
	if _, err := Passthrough("iperf: connection refused"); err == nil {
		t.Fatal("expected error for non-JSON input")
	}
}
