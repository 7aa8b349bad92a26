package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pavanmanishd/dynarena"
	"github.com/pavanmanishd/dynarena/arenaprom"
	"github.com/pavanmanishd/dynarena/source"
)

// arenaFlags are the arena options shared by commands.
type arenaFlags struct {
	chunkSize string
	maxBytes  string
	source    string
}

func (f *arenaFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.chunkSize, "chunk-size", "64KiB", "Size of the first chunk")
	fs.StringVar(&f.maxBytes, "max-bytes", "0", "Byte budget of the arena (0 for none)")
	fs.StringVar(&f.source, "source", "heap", "Chunk memory source (heap, mmap)")
}

func (f *arenaFlags) options(log *zap.Logger) ([]dynarena.Option, error) {
	chunk, err := humanize.ParseBytes(f.chunkSize)
	if err != nil {
		return nil, fmt.Errorf("invalid --chunk-size: %w", err)
	}
	limit, err := humanize.ParseBytes(f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid --max-bytes: %w", err)
	}
	src, err := source.ByName(f.source)
	if err != nil {
		return nil, err
	}
	return []dynarena.Option{
		dynarena.WithChunkSize(int(chunk)),
		dynarena.WithMaxBytes(int(limit)),
		dynarena.WithSource(src),
		dynarena.WithLogger(log),
	}, nil
}

var (
	stressArena  arenaFlags
	stressCount  int
	stressDepth  int
	stressFormat string
)

func init() {
	cmd := newStressCmd()
	stressArena.register(cmd.Flags())
	cmd.Flags().IntVar(&stressCount, "count", 100000, "Number of records to place")
	cmd.Flags().IntVar(&stressDepth, "depth", 16, "Length of each linked list")
	cmd.Flags().StringVar(&stressFormat, "format", "text", "Output format (text, prom)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a mixed placement workload and report arena metrics",
		Long: `The stress command fills one arena with plain records, linked lists
and destructor-tracked values, lets a child arena borrow from it, checks every
value after growth, releases everything and reports what happened.

Example:
  arenactl stress --count 1000000 --chunk-size 1MiB
  arenactl stress --source mmap --format prom
  arenactl stress --max-bytes 64KiB`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.OutOrStdout())
		},
	}
	return cmd
}

type record struct {
	ID    int64
	Value float64
	Tag   [8]byte
}

type listNode struct {
	depth int
	next  dynarena.Ref[listNode]
}

// tracked counts live instances in *live.
type tracked struct {
	id   int
	live *int
}

func (t tracked) Destroy() error {
	*t.live--
	return nil
}

// borrower lives in a child arena and reads a parent record when destroyed.
type borrower struct {
	rec  dynarena.Ref[record]
	live *int
}

func (b borrower) Destroy() error {
	if _, err := b.rec.Load(); err != nil {
		return err
	}
	*b.live--
	return nil
}

// stressReport is the outcome of one stress run.
type stressReport struct {
	Records        int           `json:"records"`
	Lists          int           `json:"lists"`
	Tracked        int           `json:"tracked"`
	Borrowers      int           `json:"borrowers"`
	Chunks         int           `json:"chunks"`
	ChunkBytes     int           `json:"chunk_bytes"`
	SlabBytes      int           `json:"slab_bytes"`
	Utilization    float64       `json:"utilization"`
	DestructorsRun int           `json:"destructors_run"`
	Elapsed        time.Duration `json:"elapsed_ns"`
}

func runStress(w io.Writer) error {
	if stressCount < 0 || stressDepth < 0 {
		return fmt.Errorf("--count and --depth must not be negative")
	}
	if stressFormat != "text" && stressFormat != "prom" {
		return fmt.Errorf("unknown --format %q", stressFormat)
	}

	log, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	opts, err := stressArena.options(log)
	if err != nil {
		return err
	}
	collector := arenaprom.NewCollector("arenactl")
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	opts = append(opts, dynarena.WithName("stress"), collector.ReleaseHook())

	start := time.Now()
	a := dynarena.New(opts...)
	live := 0
	report, err := fill(a, collector, &live)
	if err != nil {
		a.Release()
		return err
	}
	final := a.Metrics()
	if err := a.Release(); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if live != 0 {
		return fmt.Errorf("%d tracked values were not destroyed", live)
	}

	report.Chunks = final.NumChunks + final.SlabChunks
	report.ChunkBytes = final.Capacity
	report.SlabBytes = final.SlabCapacity
	report.Utilization = final.Utilization
	report.DestructorsRun = a.Metrics().DestructorsRun
	report.Elapsed = time.Since(start)
	log.Info("stress run complete", zap.Int("records", report.Records), zap.Duration("elapsed", report.Elapsed))

	switch {
	case stressFormat == "prom":
		mfs, err := reg.Gather()
		if err != nil {
			return err
		}
		return writeProm(w, mfs)
	case jsonOut:
		return printJSON(w, report)
	default:
		printReport(w, report)
		return nil
	}
}

// fill runs the workload on a and verifies it. *live counts the tracked
// values not yet destroyed.
func fill(a *dynarena.Arena, collector *arenaprom.Collector, live *int) (stressReport, error) {
	var report stressReport
	records := make([]dynarena.Ref[record], 0, stressCount)
	var heads []dynarena.Ref[listNode]

	for i := 0; i < stressCount; i++ {
		r, err := dynarena.AllocCopy(a, record{ID: int64(i), Value: float64(i) / 3})
		if err != nil {
			return report, err
		}
		records = append(records, r)

		if i%8 == 0 {
			if _, err := dynarena.Alloc(a, tracked{id: i, live: live}); err != nil {
				return report, err
			}
			*live++
			report.Tracked++
		}
		if i%64 == 0 {
			head, err := buildList(a, stressDepth)
			if err != nil {
				return report, err
			}
			heads = append(heads, head)
		}
	}
	collector.Observe(a)

	for i, r := range records {
		if got := r.Get().ID; got != int64(i) {
			return report, fmt.Errorf("record %d reads back as %d", i, got)
		}
	}
	for i, h := range heads {
		if n := listLength(h); n != stressDepth {
			return report, fmt.Errorf("list %d has length %d, want %d", i, n, stressDepth)
		}
	}

	err := a.Scope(func(child *dynarena.Arena) error {
		for i := 0; i < len(records); i += 100 {
			if _, err := dynarena.Alloc(child, borrower{rec: records[i], live: live}); err != nil {
				return err
			}
			*live++
			report.Borrowers++
		}
		collector.Observe(child)
		return nil
	})
	if err != nil {
		return report, err
	}

	if *live != report.Tracked {
		return report, fmt.Errorf("%d borrowers outlived their arena", *live-report.Tracked)
	}

	report.Records = len(records)
	report.Lists = len(heads)
	collector.Observe(a)
	return report, nil
}

func buildList(a *dynarena.Arena, depth int) (dynarena.Ref[listNode], error) {
	var next dynarena.Ref[listNode]
	for d := 0; d <= depth; d++ {
		r, err := dynarena.AllocCopy(a, listNode{depth: d, next: next})
		if err != nil {
			return next, err
		}
		next = r
	}
	return next, nil
}

func listLength(r dynarena.Ref[listNode]) int {
	n := 0
	for !r.Get().next.IsZero() {
		r = r.Get().next
		n++
	}
	return n
}

func printReport(w io.Writer, r stressReport) {
	fmt.Fprintf(w, "Records:          %s\n", humanize.Comma(int64(r.Records)))
	fmt.Fprintf(w, "Linked lists:     %s\n", humanize.Comma(int64(r.Lists)))
	fmt.Fprintf(w, "Tracked values:   %s\n", humanize.Comma(int64(r.Tracked)))
	fmt.Fprintf(w, "Borrowers:        %s\n", humanize.Comma(int64(r.Borrowers)))
	fmt.Fprintf(w, "Chunks:           %d\n", r.Chunks)
	fmt.Fprintf(w, "Chunk memory:     %s\n", humanize.IBytes(uint64(r.ChunkBytes)))
	fmt.Fprintf(w, "Slab memory:      %s\n", humanize.IBytes(uint64(r.SlabBytes)))
	fmt.Fprintf(w, "Utilization:      %.1f%%\n", r.Utilization*100)
	fmt.Fprintf(w, "Destructors run:  %s\n", humanize.Comma(int64(r.DestructorsRun)))
	fmt.Fprintf(w, "Elapsed:          %s\n", r.Elapsed.Round(time.Microsecond))
}

// writeProm writes metric families in the Prometheus text format.
func writeProm(w io.Writer, mfs []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
