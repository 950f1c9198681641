// Prints the CPU feature matrix relevant to the kernel fast paths.
// Attach the output to performance reports: the kernels only branch on
// AVX2 today, and the wider matrix shows what headroom a host has.
package main

import (
	"fmt"
	"os"
	"runtime"

	json "github.com/goccy/go-json"
	"simd/archsimd"

	"github.com/samcharles93/gradbits/pkg/ops"
)

type report struct {
	GoVersion     string          `json:"go_version"`
	GoOS          string          `json:"go_os"`
	GoArch        string          `json:"go_arch"`
	CPUs          int             `json:"cpus"`
	FastPathsAVX2 bool            `json:"fast_paths_avx2"`
	Features      map[string]bool `json:"features"`
}

func main() {
	features := map[string]bool{
		"AVX":         archsimd.X86.AVX(),
		"AVX2":        archsimd.X86.AVX2(),
		"FMA":         archsimd.X86.FMA(),
		"AVX512":      archsimd.X86.AVX512(),
		"AVX512VNNI":  archsimd.X86.AVX512VNNI(),
		"AVX512VBMI":  archsimd.X86.AVX512VBMI(),
		"AVX512VBMI2": archsimd.X86.AVX512VBMI2(),
		"AVXVNNI":     archsimd.X86.AVXVNNI(),
	}

	out := report{
		GoVersion:     runtime.Version(),
		GoOS:          runtime.GOOS,
		GoArch:        runtime.GOARCH,
		CPUs:          runtime.NumCPU(),
		FastPathsAVX2: ops.HasAVX2(),
		Features:      features,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
