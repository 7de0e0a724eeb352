//go:build !unix

package disk

import "github.com/gofrs/flock"

// lockPath takes an exclusive lock on path using the platform primitive
// (LockFileEx on Windows).
func lockPath(path string) (func() error, error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return fl.Unlock, nil
}
