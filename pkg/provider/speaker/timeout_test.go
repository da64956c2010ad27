package speaker

import (
	"testing"
	"time"
)

func TestTimeoutFor(t *testing.T) {
	cases := []struct {
		name     string
		duration time.Duration
		want     time.Duration
	}{
		{"zero duration floors to minimum", 0, 30 * time.Second},
		{"short clip", 5 * time.Second, 70 * time.Second},
		{"long clip clamps to maximum", 71250 * time.Millisecond, 600 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := timeoutFor(tc.duration)
			if got != tc.want {
				t.Fatalf("timeoutFor(%v) = %v, want %v", tc.duration, got, tc.want)
			}
		})
	}
}
