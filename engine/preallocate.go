package engine

import "os"

// preallocate sizes f to exactly n bytes before any operation writes to
// it. Truncate is portable and sufficient for correctness; platform-
// specific length-extension hints (see preallocate_unix.go) are an
// optimisation layered on top, per spec.md §9's open question about the
// original's Unix-only fast path.
func preallocate(f *os.File, n int64) error {
	if err := f.Truncate(n); err != nil {
		return err
	}
	preallocateHint(f, n)
	return nil
}
