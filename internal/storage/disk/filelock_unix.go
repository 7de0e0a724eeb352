//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockPath takes an exclusive POSIX record lock on path. fcntl locks are
// forwarded to the server on NFSv4 and NLM-enabled NFSv3 mounts, unlike
// flock(2) on some kernels.
func lockPath(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lock); err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		unlock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
		if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &unlock); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}
