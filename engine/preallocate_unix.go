//go:build unix

package engine

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocateHint asks the kernel to reserve physical blocks for the
// output file up front, matching the original payload dumper's Unix-only
// fast path. It is an optimisation, not a correctness requirement —
// Truncate in preallocate already establishes the file's logical size, so
// a failure here (e.g. unsupported filesystem) is not propagated.
func preallocateHint(f *os.File, n int64) {
	_ = unix.Fallocate(int(f.Fd()), 0, 0, n)
}
