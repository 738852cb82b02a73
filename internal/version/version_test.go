package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit = "v1.2.3", "abc123"
	out := String()
	if !strings.Contains(out, "version: v1.2.3") || !strings.Contains(out, "commit: abc123") {
		t.Fatalf("unexpected build info %q", out)
	}
}
