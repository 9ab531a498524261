package dispatch

import (
	"strings"
	"testing"
)

func TestBuildConfigPayloadOK(t *testing.T) {
	p, encoded, err := BuildConfigPayload([]int{1, 2, 3}, []int{10, 11}, "gcu3")
	if err != nil {
		t.Fatalf("BuildConfigPayload: %v", err)
	}
	if len(p.Analog) != 3 || len(p.Select) != 2 || p.Model != "gcu3" {
		t.Fatalf("payload = %+v", p)
	}
	if encoded[len(encoded)-1] != '\n' {
		t.Fatal("missing trailing newline")
	}
	if len(encoded) > 512 {
		t.Fatalf("encoded too long: %d", len(encoded))
	}
}

func TestBuildConfigPayloadRejects(t *testing.T) {
	cases := []struct {
		name   string
		analog []int
		sel    []int
	}{
		{"empty analog", nil, []int{1}},
		{"analog too long", []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, []int{1}},
		{"select too long", []int{1}, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}},
		{"pin above 255", []int{256}, []int{1}},
		{"negative pin", []int{-1}, []int{1}},
		{"duplicate", []int{4, 4}, []int{1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := BuildConfigPayload(tc.analog, tc.sel, "")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if _, ok := err.(*ValidationError); !ok {
				t.Fatalf("error type = %T", err)
			}
		})
	}
}

func TestMatrixLimitBoundary(t *testing.T) {
	// 11 x 13 = 143 is exactly the limit.
	analog := make([]int, 11)
	sel := make([]int, 13)
	for i := range analog {
		analog[i] = i
	}
	for i := range sel {
		sel[i] = 100 + i
	}
	if _, _, err := BuildConfigPayload(analog, sel, ""); err != nil {
		t.Fatalf("limit case rejected: %v", err)
	}
}

func TestParsePins(t *testing.T) {
	pins, err := parsePins("1, 2,3")
	if err != nil || len(pins) != 3 || pins[2] != 3 {
		t.Fatalf("parsePins string = %v, %v", pins, err)
	}
	pins, err = parsePins([]any{float64(4), float64(5)})
	if err != nil || len(pins) != 2 || pins[1] != 5 {
		t.Fatalf("parsePins array = %v, %v", pins, err)
	}
	if _, err := parsePins("1,x"); err == nil || !strings.Contains(err.Error(), "invalid character") {
		t.Fatalf("bad string accepted: %v", err)
	}
	if _, err := parsePins([]any{1.5}); err == nil {
		t.Fatal("fractional pin accepted")
	}
	if pins, err := parsePins(nil); pins != nil || err != nil {
		t.Fatalf("nil input = %v, %v", pins, err)
	}
}
