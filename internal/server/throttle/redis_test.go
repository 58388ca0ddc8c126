package throttle

import (
	"testing"
	"time"
)

func TestDelayFor(t *testing.T) {
	s := NewRedisStore(nil, time.Minute, 500*time.Millisecond, 5*time.Second)

	tests := []struct {
		name string
		n    int64
		want time.Duration
	}{
		{name: "no failures", n: 0, want: 0},
		{name: "single failure", n: 1, want: 500 * time.Millisecond},
		{name: "linear growth", n: 4, want: 2 * time.Second},
		{name: "capped at max", n: 100, want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.delayFor(tt.n); got != tt.want {
				t.Errorf("delayFor(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestKey(t *testing.T) {
	if got := key("203.0.113.5"); got != "signflow:throttle:203.0.113.5" {
		t.Errorf("unexpected key: %s", got)
	}
}
