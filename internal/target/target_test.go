package target

import (
	"runtime"
	"testing"
)

func TestParseHost(t *testing.T) {
	for _, in := range []string{"", "host", " host "} {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != Host() {
			t.Fatalf("Parse(%q)=%v, want %v", in, got, Host())
		}
		if !got.Executable() {
			t.Fatalf("host triple %v not executable", got)
		}
	}
}

func TestParseExplicit(t *testing.T) {
	got, err := Parse("aarch64-unknown-linux-gnu")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Arch != ArchARM64 || got.OS != "linux" || got.Env != "gnu" {
		t.Fatalf("unexpected triple %+v", got)
	}
	if got.String() != "aarch64-unknown-linux-gnu" {
		t.Fatalf("String()=%q", got.String())
	}
	if runtime.GOARCH == "amd64" && got.Executable() {
		t.Fatalf("arm64 triple reported executable on amd64")
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"x86_64", "mips-unknown-linux", "x86_64-unknown-", "a-b-c-d-e"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) succeeded", in)
		}
	}
}
