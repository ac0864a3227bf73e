package storage

import "os"

// EnsureDir creates path and its parents. The directory holds credentials,
// so it is private to the user.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o700)
}
