package slug

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestGenerate_Length(t *testing.T) {
	for i := 0; i < 100; i++ {
		s, err := Generate()
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if len(s) != 6 {
			t.Fatalf("iteration %d: len = %d, want 6 (slug=%q)", i, len(s), s)
		}
	}
}

func TestGenerate_Charset(t *testing.T) {
	re := regexp.MustCompile(`^[0-9A-Za-z]{6}$`)
	for i := 0; i < 100; i++ {
		s, err := Generate()
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if !re.MatchString(s) {
			t.Fatalf("iteration %d: slug %q does not match [0-9A-Za-z]{6}", i, s)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s, err := Generate()
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if seen[s] {
			t.Fatalf("duplicate slug %q at iteration %d", s, i)
		}
		seen[s] = true
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"abc123", true},
		{"launch-2026_q1", true},
		{"", false},
		{"api", false},
		{"has space", false},
		{"slash/inside", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestUnique_RetriesOnCollision(t *testing.T) {
	calls := 0
	s, err := Unique(context.Background(), func(ctx context.Context, candidate string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(s) != 6 {
		t.Errorf("len = %d, want 6", len(s))
	}
}

func TestUnique_Exhausted(t *testing.T) {
	_, err := Unique(context.Background(), func(ctx context.Context, candidate string) (bool, error) {
		return true, nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestUnique_LookupError(t *testing.T) {
	boom := errors.New("db down")
	_, err := Unique(context.Background(), func(ctx context.Context, candidate string) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
