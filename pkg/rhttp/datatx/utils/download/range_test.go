package download

import "testing"

func TestParseRange(t *testing.T) {
	testRange := "bytes=0-"
	size := int64(64)

	resRange, err := ParseRange(testRange, size)
	if err != nil {
		t.Error(err)
	}

	if len(resRange) != 1 {
		t.Error("Expected only one range to be returned")
	}

	singleResRange := resRange[0]
	if singleResRange.Start != 0 || singleResRange.Length != size {
		t.Errorf("Excpected range to start at %d and end at %d; but got %d-%d", 0, size, singleResRange.Start, singleResRange.Length)
	}

}

func TestParseRangeForms(t *testing.T) {
	size := int64(100)

	tests := []struct {
		spec   string
		start  int64
		length int64
	}{
		{"bytes=0-49", 0, 50},
		{"bytes=50-", 50, 50},
		{"bytes=-10", 90, 10},
		{"bytes=0-1000", 0, 100},
		{"bytes=-1000", 0, 100},
	}

	for _, tt := range tests {
		ranges, err := ParseRange(tt.spec, size)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.spec, err)
			continue
		}
		if len(ranges) != 1 {
			t.Errorf("%s: expected one range, got %d", tt.spec, len(ranges))
			continue
		}
		if ranges[0].Start != tt.start || ranges[0].Length != tt.length {
			t.Errorf("%s: expected %d+%d, got %d+%d", tt.spec, tt.start, tt.length, ranges[0].Start, ranges[0].Length)
		}
	}
}

func TestParseRangeErrors(t *testing.T) {
	size := int64(100)

	for _, spec := range []string{"items=0-10", "bytes=abc-10", "bytes=10-5", "bytes=10", "bytes=--5"} {
		if _, err := ParseRange(spec, size); err == nil {
			t.Errorf("%s: expected an error", spec)
		}
	}

	if _, err := ParseRange("bytes=200-300", size); err != ErrNoOverlap {
		t.Errorf("expected ErrNoOverlap, got %v", err)
	}
}

func TestParseRangeMulti(t *testing.T) {
	ranges, err := ParseRange("bytes=0-9,20-29", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 2 {
		t.Fatalf("expected two ranges, got %d", len(ranges))
	}
}

func TestContentRange(t *testing.T) {
	r := Range{Start: 10, Length: 20}
	if got := r.ContentRange(100); got != "bytes 10-29/100" {
		t.Errorf("unexpected content range: %s", got)
	}
}
