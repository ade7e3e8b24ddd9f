// Command payload-extract is a thin CLI front end over the payload
// package: point it at a local payload.bin, a local ZIP containing one,
// or an http(s) URL to either, and it lists or extracts partitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"github.com/otadump/core/dispatch"
	"github.com/otadump/core/payload"
	"github.com/otadump/core/progress"
)

type action int

const (
	actionExtract action = iota
	actionShowInfo
)

const version = "dev"

type config struct {
	input       string
	outdir      string
	partitions  string
	workers     int
	oldImageDir string
	act         action
	showVersion bool
}

func main() {
	cfg := config{
		outdir:  "out",
		workers: dispatch.DefaultConcurrency(),
		act:     actionExtract,
	}

	flag.StringVar(&cfg.input, "i", "", "input payload.bin, zip, or http(s) URL")
	flag.StringVar(&cfg.outdir, "o", "out", "output directory")
	flag.Func("X", "comma-separated partitions to extract (default: all)", func(s string) error {
		cfg.partitions = s
		return nil
	})
	flag.IntVar(&cfg.workers, "T", cfg.workers, "concurrent extraction workers")
	flag.StringVar(&cfg.oldImageDir, "old", "", "directory of old partition images, for differential updates")
	flag.BoolFunc("P", "do not extract, print partition info", func(s string) error {
		cfg.act = actionShowInfo
		return nil
	})
	flag.BoolVar(&cfg.showVersion, "v", false, "print version and exit")

	flag.Parse()

	if cfg.showVersion {
		fmt.Println("payload-extract", version)
		os.Exit(0)
	}

	if cfg.input == "" {
		log.Fatalln("must specify input with -i")
	}

	ctx := context.Background()
	isRemote := strings.HasPrefix(cfg.input, "http://") || strings.HasPrefix(cfg.input, "https://")

	var openOpts []payload.Option
	if isRemote {
		openOpts = append(openOpts, payload.WithRemote())
	}
	p, err := payload.Open(ctx, cfg.input, openOpts...)
	if err != nil {
		log.Fatalln(err)
	}
	defer p.Close()

	switch cfg.act {
	case actionShowInfo:
		printPartitionInfo(p, cfg.partitions)
	case actionExtract:
		runExtract(ctx, p, cfg)
	}
}

func printPartitionInfo(p *payload.Payload, filter string) {
	names := payload.ListPartitionNames(p, filter)
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	for _, s := range payload.ListPartitions(p) {
		if !wanted[s.Name] {
			continue
		}
		colorstring.Println(fmt.Sprintf("[green]%s[reset]: size=%d ops=%d dominant=%s", s.Name, s.Size, s.OperationCount, s.CompressionHint))
	}
}

func runExtract(ctx context.Context, p *payload.Payload, cfg config) {
	names := payload.ListPartitionNames(p, cfg.partitions)
	if len(names) == 0 {
		log.Fatalln("no partitions matched")
	}

	bar := progressbar.Default(int64(len(names)), "extracting")
	reporter := &barReporter{bar: bar}

	failed, err := payload.ExtractMany(ctx, p, names, cfg.outdir,
		payload.WithConcurrency(cfg.workers),
		payload.WithManyReporter(reporter),
		payload.WithOldImageDir(cfg.oldImageDir),
	)
	if err != nil {
		log.Fatalln(err)
	}
	if len(failed) > 0 {
		colorstring.Println(fmt.Sprintf("[red]failed partitions: %s[reset]", strings.Join(failed, ", ")))
		os.Exit(1)
	}
}

// barReporter adapts a progressbar.Bar to progress.Reporter, advancing one
// tick per completed partition rather than per operation — the CLI's unit
// of feedback is the partition, not the operation.
type barReporter struct {
	bar *progressbar.ProgressBar
}

func (r *barReporter) OnStart(string, int) {}

func (r *barReporter) OnProgress(string, int, int) bool { return true }

func (r *barReporter) OnComplete(name string) {
	_ = r.bar.Add(1)
}

func (r *barReporter) OnWarning(name string, opIndex int, message string) bool {
	colorstring.Println(fmt.Sprintf("[yellow]%s: op %d: %s[reset]", name, opIndex, message))
	return true
}

var _ progress.Reporter = (*barReporter)(nil)
