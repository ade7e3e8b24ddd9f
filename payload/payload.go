// Package payload implements the core's top-level API surface: opening a
// payload from any of the four ingestion modes, listing its partitions,
// and extracting or verifying them, per spec.md §6.
package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otadump/core/dispatch"
	"github.com/otadump/core/engine"
	"github.com/otadump/core/envelope"
	"github.com/otadump/core/manifest"
	"github.com/otadump/core/progress"
	"github.com/otadump/core/source"
	"github.com/otadump/core/verify"
	"github.com/otadump/core/zipwindow"
)

// Payload is the opaque handle returned by Open: the decoded manifest, the
// absolute data offset, and the Positioned Source backing every
// operation's read, per spec.md §3.
type Payload struct {
	Manifest   *manifest.DeltaArchiveManifest
	DataOffset uint64
	Source     source.Source
}

// Close releases the underlying source.
func (p *Payload) Close() error {
	return p.Source.Close()
}

// openConfig holds Open's ingestion mode selection and HTTP behavior,
// assembled from the Option values passed to Open.
type openConfig struct {
	isRemote    bool
	maxLocalFDs int
	httpOptions []source.HTTPOption
}

// Option configures a call to Open.
type Option func(*openConfig)

// WithRemote marks specPath as a URL rather than a local path.
func WithRemote() Option {
	return func(c *openConfig) { c.isRemote = true }
}

// WithMaxLocalFDs bounds concurrent local file descriptors for a local
// ingestion mode; <= 0 (the default if unset) uses the default in
// source.OpenLocalFile.
func WithMaxLocalFDs(n int) Option {
	return func(c *openConfig) { c.maxLocalFDs = n }
}

// WithHTTPOptions forwards options to source.OpenHTTPRange for a remote
// ingestion mode.
func WithHTTPOptions(opts ...source.HTTPOption) Option {
	return func(c *openConfig) { c.httpOptions = opts }
}

// Open resolves specPath (a local path, or a URL when WithRemote is given)
// into a Payload, auto-detecting whether it names a raw payload.bin or a
// ZIP archive containing one, per spec.md §6's open(source_spec) and
// §4.2's four ingestion modes.
func Open(ctx context.Context, specPath string, opts ...Option) (*Payload, error) {
	cfg := &openConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var raw source.Source
	var err error

	if cfg.isRemote {
		raw, err = source.OpenHTTPRange(ctx, specPath, cfg.httpOptions...)
	} else {
		raw, err = source.OpenLocalFile(specPath, cfg.maxLocalFDs)
	}
	if err != nil {
		return nil, fmt.Errorf("payload: opening source: %w", err)
	}

	isZip, err := looksLikeZip(ctx, raw)
	if err != nil {
		raw.Close()
		return nil, err
	}

	payloadSrc := raw
	if isZip {
		var win zipwindow.Window
		if cfg.isRemote {
			win, err = zipwindow.LocateRemote(ctx, raw)
		} else {
			win, err = zipwindow.Locate(ctx, raw)
		}
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("payload: locating payload.bin in archive: %w", err)
		}
		payloadSrc = zipwindow.NewWindowed(raw, win)
	}

	env, err := envelope.Parse(ctx, payloadSrc)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("payload: parsing envelope: %w", err)
	}

	return &Payload{Manifest: env.Manifest, DataOffset: env.DataOffset, Source: payloadSrc}, nil
}

const zipLocalHeaderMagic = "PK\x03\x04"

func looksLikeZip(ctx context.Context, src source.Source) (bool, error) {
	buf := make([]byte, 4)
	n, err := src.ReadAt(ctx, buf, 0)
	if err != nil {
		return false, fmt.Errorf("payload: probing source: %w", err)
	}
	return n == 4 && string(buf) == zipLocalHeaderMagic, nil
}

// PartitionSummary describes one partition without materialising it, per
// spec.md §6's list_partitions output tuple, extended with a per-operation-
// type breakdown.
type PartitionSummary struct {
	Name                string
	Size                uint64
	OperationCount      int
	CompressionHint     string
	Hash                []byte
	OperationTypeCounts map[string]int
}

// ListPartitions summarises every partition in p.Manifest in manifest
// order.
func ListPartitions(p *Payload) []PartitionSummary {
	parts := p.Manifest.GetPartitions()
	out := make([]PartitionSummary, 0, len(parts))
	for _, part := range parts {
		counts := make(map[string]int)
		for _, op := range part.GetOperations() {
			counts[op.GetType().String()]++
		}
		out = append(out, PartitionSummary{
			Name:                part.GetPartitionName(),
			Size:                part.GetNewPartitionInfo().GetSize(),
			OperationCount:      len(part.GetOperations()),
			CompressionHint:     dominantOperationType(counts),
			Hash:                part.GetNewPartitionInfo().GetHash(),
			OperationTypeCounts: counts,
		})
	}
	return out
}

func dominantOperationType(counts map[string]int) string {
	best, bestN := "", -1
	for name, n := range counts {
		if n > bestN || (n == bestN && name < best) {
			best, bestN = name, n
		}
	}
	return best
}

// findPartition locates the named partition, or nil if absent.
func findPartition(p *Payload, name string) *manifest.PartitionUpdate {
	for _, part := range p.Manifest.GetPartitions() {
		if part.GetPartitionName() == name {
			return part
		}
	}
	return nil
}

// ErrPartitionNotFound is returned by Extract and ExtractMany when a
// requested partition name is absent from the manifest.
type ErrPartitionNotFound struct{ Name string }

func (e *ErrPartitionNotFound) Error() string {
	return fmt.Sprintf("payload: partition %q not found", e.Name)
}

// ExtractOptions configures a single Extract call.
type ExtractOptions struct {
	Reporter progress.Reporter
	// OldImageDir, if set, is searched for "<partition>.img" when the
	// partition has differential operations.
	OldImageDir string
}

// Extract writes partitionName's reconstructed image to outputPath.
func Extract(ctx context.Context, p *Payload, partitionName, outputPath string, opts ExtractOptions) ([]engine.Warning, error) {
	part := findPartition(p, partitionName)
	if part == nil {
		return nil, &ErrPartitionNotFound{Name: partitionName}
	}

	engOpts := engine.Options{Reporter: opts.Reporter}
	if opts.OldImageDir != "" {
		engOpts.OldImagePath = filepath.Join(opts.OldImageDir, partitionName+".img")
	}

	return engine.ExtractPartition(ctx, p.Source, part, p.DataOffset, p.Manifest.GetBlockSize(), outputPath, engOpts)
}

// extractManyConfig holds a multi-partition extraction's settings,
// assembled from the ExtractManyOption values passed to ExtractMany.
type extractManyConfig struct {
	concurrency int
	reporter    progress.Reporter
	oldImageDir string
}

// ExtractManyOption configures a call to ExtractMany.
type ExtractManyOption func(*extractManyConfig)

// WithConcurrency bounds the number of partitions extracted in parallel;
// <= 0 (the default if unset) selects dispatch.DefaultConcurrency.
func WithConcurrency(n int) ExtractManyOption {
	return func(c *extractManyConfig) { c.concurrency = n }
}

// WithManyReporter attaches a Reporter shared across every in-flight
// partition extraction.
func WithManyReporter(r progress.Reporter) ExtractManyOption {
	return func(c *extractManyConfig) { c.reporter = r }
}

// WithOldImageDir points differential operations at "<dir>/<partition>.img"
// for their old-image input.
func WithOldImageDir(dir string) ExtractManyOption {
	return func(c *extractManyConfig) { c.oldImageDir = dir }
}

// ExtractMany extracts every named partition into outputDir as
// "<name>.img", bounded by the configured concurrency, per spec.md §6's
// extract_many. It returns the names of partitions that failed.
func ExtractMany(ctx context.Context, p *Payload, names []string, outputDir string, opts ...ExtractManyOption) ([]string, error) {
	cfg := &extractManyConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("payload: creating output dir: %w", err)
	}

	jobs := make([]dispatch.Job, 0, len(names))
	for _, name := range names {
		part := findPartition(p, name)
		if part == nil {
			return nil, &ErrPartitionNotFound{Name: name}
		}
		engOpts := engine.Options{Reporter: cfg.reporter}
		if cfg.oldImageDir != "" {
			engOpts.OldImagePath = filepath.Join(cfg.oldImageDir, name+".img")
		}
		jobs = append(jobs, dispatch.Job{
			Partition: part,
			OutPath:   filepath.Join(outputDir, name+".img"),
			Options:   engOpts,
		})
	}

	results, err := dispatch.Run(ctx, p.Source, jobs, p.DataOffset, p.Manifest.GetBlockSize(), cfg.concurrency)
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.PartitionName)
		}
	}
	return failed, nil
}

// Verify hashes outputPath and compares it against partitionName's
// recorded hash, per spec.md §6's verify operation.
func Verify(ctx context.Context, p *Payload, partitionName, outputPath string) (verify.Result, error) {
	part := findPartition(p, partitionName)
	if part == nil {
		return verify.Result{}, &ErrPartitionNotFound{Name: partitionName}
	}
	return verify.File(ctx, outputPath, part)
}

// ListPartitionNames is a convenience wrapper filtering the manifest to
// names matching filter (comma-separated, empty selects all), mirroring
// the teacher cmd's -X flag.
func ListPartitionNames(p *Payload, filter string) []string {
	all := ListPartitions(p)
	if filter == "" {
		names := make([]string, len(all))
		for i, s := range all {
			names[i] = s.Name
		}
		return names
	}

	wanted := strings.Split(filter, ",")
	var names []string
	for _, s := range all {
		for _, w := range wanted {
			if s.Name == strings.TrimSpace(w) {
				names = append(names, s.Name)
				break
			}
		}
	}
	return names
}
