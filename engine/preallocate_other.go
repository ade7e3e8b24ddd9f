//go:build !unix

package engine

import "os"

// preallocateHint is a no-op on non-Unix platforms; Truncate in
// preallocate already establishes the correct logical file size.
func preallocateHint(f *os.File, n int64) {}
