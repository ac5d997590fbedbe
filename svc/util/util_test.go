package util

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRandomStringAlphabet(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		s, err := RandomString(7)
		if err != nil {
			t.Fatalf("RandomString failed: %v", err)
		}
		if len(s) != 7 {
			t.Fatalf("expected 7 chars, got %q", s)
		}
		for _, c := range s {
			if !strings.ContainsRune(base62Chars, c) {
				t.Fatalf("unexpected char %q in %q", c, s)
			}
		}
		seen[s] = struct{}{}
	}
	if len(seen) < 495 {
		t.Errorf("too many duplicates: %d unique of 500", len(seen))
	}
}

func TestRandomStringRejectsNonPositive(t *testing.T) {
	if _, err := RandomString(0); err == nil {
		t.Error("expected error for zero length")
	}
}

func TestRedactIP(t *testing.T) {
	cases := map[string]string{
		"192.168.1.77":       "192.168.1.0",
		"10.1.2.3:5555":      "10.1.2.0",
		"2001:db8:1:2::9":    "2001:db8::",
		"[2001:db8:1::1]:80": "2001:db8::",
	}
	for in, want := range cases {
		if got := RedactIP(in); got != want {
			t.Errorf("RedactIP(%q) = %q, want %q", in, got, want)
		}
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("expected hashed fallback, got %q", got)
	}
}

func TestRedactQuery(t *testing.T) {
	got := RedactQuery("p=hunter2&x=1")
	if strings.Contains(got, "hunter2") {
		t.Errorf("password leaked: %q", got)
	}
	if !strings.Contains(got, "x=1") {
		t.Errorf("unrelated param mangled: %q", got)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := SetRequestID(context.Background(), "abc")
	if got := GetRequestID(ctx); got != "abc" {
		t.Errorf("got %q", got)
	}
	if GetRequestID(context.Background()) != "" {
		t.Error("expected no id outside a request")
	}
}

func TestRequestIDFrom(t *testing.T) {
	upstream := "6f1c2a4e-8d7b-4c3a-9e2f-0a1b2c3d4e5f"
	if got := RequestIDFrom(upstream); got != upstream {
		t.Errorf("upstream id dropped: %q", got)
	}
	for _, h := range []string{"", "drop table", "abc\nforged=1"} {
		got := RequestIDFrom(h)
		if got == h || len(got) != 36 {
			t.Errorf("RequestIDFrom(%q) = %q", h, got)
		}
	}
}

func TestWipe(t *testing.T) {
	b := []byte("pepper")
	Wipe(b)
	for _, c := range b {
		if c != 0 {
			t.Fatal("not wiped")
		}
	}
}

func TestBootLogEmitsBeforeConfig(t *testing.T) {
	prev, prevLvl := globalLog, zerolog.GlobalLevel()
	t.Cleanup(func() {
		globalLog = prev
		zerolog.SetGlobalLevel(prevLvl)
	})
	globalLog = zerolog.Nop()
	InitBootLog()
	if GetLogger().GetLevel() == zerolog.Disabled {
		t.Fatal("boot logger is still disabled")
	}

	var buf bytes.Buffer
	initLog(&buf, "info", false)
	Error().Str("key", "PORT").Msg("invalid configuration")
	Debug().Msg("hidden")
	out := buf.String()
	if !strings.Contains(out, "invalid configuration") || !strings.Contains(out, `"service":"snipbin"`) {
		t.Errorf("missing startup error in %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug line written at info level")
	}
}
