package tundev

import "testing"

func TestWantTAP(t *testing.T) {
	cases := []struct {
		dottedQuad, tapOption, want bool
	}{
		{true, false, false},
		{true, true, true},
		{false, false, true},
		{false, true, true},
	}
	for _, c := range cases {
		if got := WantTAP(c.dottedQuad, c.tapOption); got != c.want {
			t.Errorf("WantTAP(%v, %v) = %v, want %v", c.dottedQuad, c.tapOption, got, c.want)
		}
	}
}
