// Command sumjit builds the array sum kernel, compiles it in process and
// runs it over generated data.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/sumjit/internal/host"
	"github.com/tinyrange/sumjit/internal/ir"
	"github.com/tinyrange/sumjit/internal/jit"
	"github.com/tinyrange/sumjit/internal/kernel"
)

const fillChunk = 1 << 16

type options struct {
	level       int
	debug       bool
	count       int
	configPath  string
	dumpIR      string
	dumpObjects string
	perf        bool
	gdb         bool
	printIR     bool
	verbose     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sumjit: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var o options
	flag.IntVar(&o.level, "O", 0, "Optimization level (0-3)")
	flag.BoolVar(&o.debug, "debug", false, "Emit debug info for the kernel")
	flag.IntVar(&o.count, "count", 1<<25, "Number of elements to sum")
	flag.StringVar(&o.configPath, "config", "", "Load engine configuration from a YAML file")
	flag.StringVar(&o.dumpIR, "dump-ir", "", "Write sum.ll and sum_opt.ll to this directory")
	flag.StringVar(&o.dumpObjects, "dump-objects", "", "Write compiled objects to this directory")
	flag.BoolVar(&o.perf, "perf", false, "Write a perf map for the compiled code")
	flag.BoolVar(&o.gdb, "gdb", false, "Register compiled code with the debugger registry")
	flag.BoolVar(&o.printIR, "print-ir", false, "Print the optimized IR")
	flag.BoolVar(&o.verbose, "v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if o.count < 0 {
		return fmt.Errorf("count must not be negative, got %d", o.count)
	}
	cfg, err := engineConfig(o)
	if err != nil {
		return err
	}

	m := ir.NewModule("sum")
	if _, err := kernel.Build(m, kernel.Options{EmitDebugInfo: o.debug}); err != nil {
		return fmt.Errorf("build kernel: %w", err)
	}
	if err := writeIR(o.dumpIR, "sum.ll", m); err != nil {
		return err
	}

	arr := generate(o.count)

	return host.WithEngine(cfg, func(e *jit.Engine) error {
		start := time.Now()
		if err := e.Ingest(m); err != nil {
			var verr *jit.VerificationFailure
			if errors.As(err, &verr) {
				fmt.Fprintln(os.Stderr, m.String())
			}
			return err
		}
		slog.Info("compiled", "level", cfg.OptimizationLevel, "debug", o.debug, "elapsed", time.Since(start))

		if err := writeIR(o.dumpIR, "sum_opt.ll", m); err != nil {
			return err
		}
		if o.printIR {
			text := m.String()
			if term.IsTerminal(int(os.Stdout.Fd())) {
				text = ir.Highlight(text)
			}
			fmt.Println(text)
		}

		sum, err := host.Bind(e, kernel.DefaultFuncName)
		if err != nil {
			return err
		}
		start = time.Now()
		got, err := sum.Call(arr)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		n := int64(o.count)
		want := n * (n - 1) / 2
		fmt.Printf("sum = %d (%s in %s)\n", got, units.HumanSize(float64(8*len(arr))), elapsed)
		if got != want {
			return fmt.Errorf("sum mismatch: got %d, want %d", got, want)
		}
		return nil
	}, jit.WithLogger(slog.Default()))
}

// engineConfig starts from the config file when given; flags set on the
// command line override it.
func engineConfig(o options) (jit.Config, error) {
	var cfg jit.Config
	if o.configPath != "" {
		loaded, err := jit.LoadConfig(o.configPath)
		if err != nil {
			return jit.Config{}, err
		}
		cfg = loaded
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if o.configPath == "" || set["O"] {
		cfg.OptimizationLevel = o.level
	}
	if o.configPath == "" || set["dump-objects"] {
		cfg.ObjectDumpDirectory = o.dumpObjects
	}
	if set["perf"] {
		cfg.EnablePerfListener = o.perf
	}
	if set["gdb"] {
		cfg.EnableDebugListener = o.gdb
	}
	return cfg, nil
}

func writeIR(dir, name string, m *ir.Module) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create IR directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := m.WriteFile(path); err != nil {
		return err
	}
	slog.Debug("wrote IR", "path", path)
	return nil
}

// generate fills 0..count-1, showing progress for large inputs.
func generate(count int) []int64 {
	arr := make([]int64, count)
	var pb *progressbar.ProgressBar
	if count > fillChunk && term.IsTerminal(int(os.Stderr.Fd())) {
		pb = progressbar.DefaultBytes(int64(8*count), "generating data")
		defer pb.Close()
	}
	for lo := 0; lo < count; lo += fillChunk {
		hi := min(lo+fillChunk, count)
		for i := lo; i < hi; i++ {
			arr[i] = int64(i)
		}
		if pb != nil {
			pb.Add(8 * (hi - lo))
		}
	}
	return arr
}
