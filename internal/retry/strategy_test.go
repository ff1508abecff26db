package retry

import (
	"testing"
	"time"
)

func TestExponentialSequence(t *testing.T) {
	s := Exponential(Config{BaseDelay: time.Second, Factor: 2, MaxDelay: 10 * time.Second, MaxRetries: 5})

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // 封顶
		10 * time.Second,
	}
	for i, w := range want {
		if got := s.NextDelay(); got != w {
			t.Fatalf("第 %d 次延迟 = %v, want %v", i+1, got, w)
		}
	}
}

func TestLinearSequence(t *testing.T) {
	s := Linear(Config{BaseDelay: 2 * time.Second, Increment: 3 * time.Second, MaxDelay: 9 * time.Second, MaxRetries: 5})

	want := []time.Duration{2 * time.Second, 5 * time.Second, 8 * time.Second, 9 * time.Second, 9 * time.Second}
	for i, w := range want {
		if got := s.NextDelay(); got != w {
			t.Fatalf("第 %d 次延迟 = %v, want %v", i+1, got, w)
		}
	}
}

func TestSteppedStaysOnLastStep(t *testing.T) {
	s := Stepped([]time.Duration{500 * time.Millisecond, time.Second, 3 * time.Second}, 5)

	want := []time.Duration{500 * time.Millisecond, time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := s.NextDelay(); got != w {
			t.Fatalf("第 %d 次延迟 = %v, want %v", i+1, got, w)
		}
	}
	if s.HasRetriesLeft() {
		t.Fatal("5 次用完后 HasRetriesLeft 应为 false")
	}
}

func TestHasRetriesLeftCountsAttempts(t *testing.T) {
	s := FromConfig(Config{Type: "exponential", BaseDelay: time.Second, MaxRetries: 3})

	for i := 0; i < 3; i++ {
		if !s.HasRetriesLeft() {
			t.Fatalf("第 %d 次前不应耗尽", i+1)
		}
		s.NextDelay()
	}
	if s.HasRetriesLeft() {
		t.Fatal("3 次用完后仍有剩余")
	}
	if s.Attempt() != 3 {
		t.Fatalf("Attempt = %d, want 3", s.Attempt())
	}
}

func TestResetRestartsSequence(t *testing.T) {
	s := Exponential(Config{BaseDelay: time.Second, Factor: 2, MaxDelay: time.Minute, MaxRetries: 10})

	s.NextDelay()
	s.NextDelay()
	s.Reset()

	if got := s.NextDelay(); got != time.Second {
		t.Fatalf("Reset 后首个延迟 = %v, want 1s", got)
	}
	if s.Attempt() != 1 {
		t.Fatalf("Reset 后 Attempt = %d, want 1", s.Attempt())
	}
}

func TestJitterWithinBound(t *testing.T) {
	s := Exponential(Config{BaseDelay: time.Second, Factor: 2, MaxDelay: time.Minute, Jitter: 200 * time.Millisecond, MaxRetries: 10})

	for i := 0; i < 20; i++ {
		s.Reset()
		d := s.NextDelay()
		if d < time.Second || d >= time.Second+200*time.Millisecond {
			t.Fatalf("带抖动延迟 %v 超出 [1s, 1.2s)", d)
		}
	}
}

func TestFromConfigTypes(t *testing.T) {
	cases := []struct {
		typ  string
		want string
	}{
		{"linear", "linear"},
		{"stepped", "stepped"},
		{"exponential", "exponential"},
		{"", "exponential"},
		{"unknown", "exponential"},
	}
	for _, tc := range cases {
		if got := FromConfig(Config{Type: tc.typ}).Name; got != tc.want {
			t.Errorf("FromConfig(%q).Name = %q, want %q", tc.typ, got, tc.want)
		}
	}
}

func TestPresetsBuild(t *testing.T) {
	for name, cfg := range Presets {
		s := FromConfig(cfg)
		if s.NextDelay() <= 0 {
			t.Errorf("preset %q 首个延迟非正", name)
		}
		if s.MaxRetries <= 0 {
			t.Errorf("preset %q MaxRetries 非正", name)
		}
	}
}
