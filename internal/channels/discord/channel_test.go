package discord

import "testing"

func TestIsAllowed_EmptyAllowlistAllowsAnyone(t *testing.T) {
	c := &Channel{cfg: Config{}}
	if !c.IsAllowed("anyone") {
		t.Fatal("expected empty allowlist to allow any sender")
	}
}

func TestIsAllowed_RespectsAllowlist(t *testing.T) {
	c := &Channel{cfg: Config{AllowFrom: []string{"u1", "u2"}}}
	if !c.IsAllowed("u1") {
		t.Fatal("expected u1 to be allowed")
	}
	if c.IsAllowed("stranger") {
		t.Fatal("expected stranger to be rejected")
	}
}

func TestSplitAt_ShortStringUnsplit(t *testing.T) {
	head, rest := splitAt("hello", 2000)
	if head != "hello" || rest != "" {
		t.Fatalf("expected no split, got head=%q rest=%q", head, rest)
	}
}

func TestSplitAt_PrefersNewlineBoundary(t *testing.T) {
	s := string(make([]byte, 10)) + "\n" + string(make([]byte, 10))
	for i := range s {
		_ = i
	}
	long := repeat("a", 1500) + "\n" + repeat("b", 1500)
	head, rest := splitAt(long, 2000)
	if len(head) == 0 || head[len(head)-1] != '\n' {
		t.Fatalf("expected split to land right after a newline, got tail %q", tail(head, 5))
	}
	if rest != repeat("b", 1500) {
		t.Fatalf("expected rest to be the b run, got len=%d", len(rest))
	}
}

func TestSplitAt_HardCutWhenNoNearbyNewline(t *testing.T) {
	long := repeat("a", 2500)
	head, rest := splitAt(long, 2000)
	if len(head) != 2000 {
		t.Fatalf("expected hard cut at 2000, got %d", len(head))
	}
	if len(rest) != 500 {
		t.Fatalf("expected remainder of 500, got %d", len(rest))
	}
}

func TestLastIndexByte(t *testing.T) {
	if idx := lastIndexByte("a\nb\nc", '\n'); idx != 3 {
		t.Fatalf("expected last newline at index 3, got %d", idx)
	}
	if idx := lastIndexByte("abc", '\n'); idx != -1 {
		t.Fatalf("expected -1 for no match, got %d", idx)
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, s...)
	}
	return string(out[:n])
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
