// Package verify implements the Hash Verifier: it streams a produced
// partition image through SHA-256 and compares the digest against the
// manifest's recorded new_partition_info hash, per spec.md §4.6.
package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/otadump/core/manifest"
)

// Outcome classifies a single partition's verification result.
type Outcome int

const (
	// Verified means the manifest carried a hash and it matched.
	Verified Outcome = iota
	// Mismatch means the manifest carried a hash and it did not match.
	Mismatch
	// NoHash means the manifest carried no hash to compare against —
	// extraction is assumed correct but unverified.
	NoHash
)

func (o Outcome) String() string {
	switch o {
	case Verified:
		return "verified"
	case Mismatch:
		return "mismatch"
	case NoHash:
		return "no-hash"
	default:
		return "unknown"
	}
}

// Result is one partition's verification outcome.
type Result struct {
	PartitionName string
	Outcome       Outcome
	Expected      []byte
	Actual        []byte
}

// readBufSize is the chunk size used to stream the output file through the
// hasher, per spec.md §4.6.
const readBufSize = 1 << 20

// File hashes the image at path and compares it against part's recorded
// new_partition_info hash.
func File(ctx context.Context, path string, part *manifest.PartitionUpdate) (Result, error) {
	expected := part.GetNewPartitionInfo().GetHash()

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("verify: opening %s: %w", path, err)
	}
	defer f.Close()

	actual, err := hashReader(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("verify: hashing %s: %w", path, err)
	}

	res := Result{PartitionName: part.GetPartitionName(), Actual: actual, Expected: expected}
	switch {
	case len(expected) == 0:
		res.Outcome = NoHash
	case bytes.Equal(expected, actual):
		res.Outcome = Verified
	default:
		res.Outcome = Mismatch
	}
	return res, nil
}

func hashReader(ctx context.Context, r io.Reader) ([]byte, error) {
	h := sha256.New()
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}

// Job is one partition's file path paired with the manifest entry that
// recorded its expected hash.
type Job struct {
	Path      string
	Partition *manifest.PartitionUpdate
}

// Many verifies every job, bounded by concurrency workers — the same
// concurrency limit the caller used for extraction, per spec.md §4.6.
// concurrency <= 0 runs jobs sequentially.
func Many(ctx context.Context, jobs []Job, concurrency int) ([]Result, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	results := make([]Result, len(jobs))
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	for i, job := range jobs {
		i, job := i, job
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			results[i], errs[i] = File(ctx, job.Path, job.Partition)
		}); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
