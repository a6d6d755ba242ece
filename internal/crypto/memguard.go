//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

// LockMemory pins a buffer holding key material so it cannot be swapped out.
// Best effort: callers ignore the error when the platform refuses.
func LockMemory(b []byte) error   { return unix.Mlock(b) }
func UnlockMemory(b []byte) error { return unix.Munlock(b) }
