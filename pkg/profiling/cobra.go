package profiling

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CobraProfiler wires timing and pprof flags into a command tree.
type CobraProfiler struct {
	cpuProfilePath string
	memProfilePath string
	timing         bool

	cpuFile *os.File
	timer   *Timer
	logger  *logrus.Entry
}

// NewCobraProfiler creates a profiler that reports problems to logger.
func NewCobraProfiler(logger *logrus.Entry) *CobraProfiler {
	return &CobraProfiler{logger: logger}
}

// AddFlags registers --timing, --cpu-profile and --mem-profile.
func (p *CobraProfiler) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&p.timing, "timing", false, "Print a timing summary of command phases on exit")
	cmd.PersistentFlags().StringVar(&p.cpuProfilePath, "cpu-profile", "", "Write a CPU profile to file")
	cmd.PersistentFlags().StringVar(&p.memProfilePath, "mem-profile", "", "Write a heap profile to file")
	_ = cmd.PersistentFlags().MarkHidden("cpu-profile")
	_ = cmd.PersistentFlags().MarkHidden("mem-profile")
}

// PreRun is a PersistentPreRunE hook. With --timing it attaches a Timer to
// the command context so phases can record spans via Start.
func (p *CobraProfiler) PreRun(cmd *cobra.Command, _ []string) error {
	if p.timing {
		p.timer = NewTimer()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cmd.SetContext(NewContext(ctx, p.timer))
	}

	if p.cpuProfilePath != "" {
		f, err := os.Create(p.cpuProfilePath)
		if err != nil {
			return fmt.Errorf("create CPU profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("start CPU profile: %w", err)
		}
		p.cpuFile = f
	}
	return nil
}

// PostRun is a PersistentPostRun hook that flushes profiles and prints the
// timing summary to the command's error stream.
func (p *CobraProfiler) PostRun(cmd *cobra.Command, _ []string) {
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		p.cpuFile.Close()
		p.cpuFile = nil
		p.logger.WithField("path", p.cpuProfilePath).Debug("CPU profile written")
	}

	if p.memProfilePath != "" {
		if err := writeHeapProfile(p.memProfilePath); err != nil {
			p.logger.WithError(err).Warn("Failed to write heap profile")
		}
	}

	if p.timer != nil {
		p.timer.Summarize(cmd.ErrOrStderr())
	}
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	runtime.GC()
	return pprof.WriteHeapProfile(f)
}
