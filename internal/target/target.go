// Package target describes the machine generated code is compiled for.
package target

import (
	"fmt"
	"runtime"
	"strings"
)

// Arch names a CPU architecture.
type Arch string

const (
	ArchInvalid Arch = "invalid"
	ArchX86_64  Arch = "x86_64"
	ArchARM64   Arch = "arm64"
)

// Triple is a parsed target triple of the form arch-vendor-os[-env].
type Triple struct {
	Arch   Arch
	Vendor string
	OS     string
	Env    string
}

// HostTripleName is the name accepted by Parse for the running machine.
const HostTripleName = "host"

// Host detects the triple of the running process.
func Host() Triple {
	t := Triple{
		Arch:   archFromGOARCH(runtime.GOARCH),
		Vendor: "unknown",
		OS:     runtime.GOOS,
	}
	switch runtime.GOOS {
	case "linux":
		t.Env = "gnu"
	case "darwin":
		t.Vendor = "apple"
	}
	return t
}

func archFromGOARCH(goarch string) Arch {
	switch goarch {
	case "amd64":
		return ArchX86_64
	case "arm64":
		return ArchARM64
	default:
		return ArchInvalid
	}
}

// Parse accepts "host", an empty string (also the host) or an explicit
// triple such as "x86_64-unknown-linux-gnu".
func Parse(s string) (Triple, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == HostTripleName {
		return Host(), nil
	}
	parts := strings.Split(s, "-")
	if len(parts) < 3 || len(parts) > 4 {
		return Triple{}, fmt.Errorf("target: malformed triple %q", s)
	}
	t := Triple{Vendor: parts[1], OS: parts[2]}
	switch parts[0] {
	case "x86_64", "amd64":
		t.Arch = ArchX86_64
	case "aarch64", "arm64":
		t.Arch = ArchARM64
	default:
		return Triple{}, fmt.Errorf("target: unknown architecture %q in %q", parts[0], s)
	}
	if len(parts) == 4 {
		t.Env = parts[3]
	}
	if t.OS == "" {
		return Triple{}, fmt.Errorf("target: missing operating system in %q", s)
	}
	return t, nil
}

func (t Triple) String() string {
	arch := string(t.Arch)
	if t.Arch == ArchARM64 {
		arch = "aarch64"
	}
	s := arch + "-" + t.Vendor + "-" + t.OS
	if t.Env != "" {
		s += "-" + t.Env
	}
	return s
}

// Executable reports whether code for t can run inside this process.
func (t Triple) Executable() bool {
	h := Host()
	return t.Arch == h.Arch && t.OS == h.OS
}
