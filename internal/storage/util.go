package storage

import "os"

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// DateLayout is the calendar date format used for streak dates.
const DateLayout = "2006-01-02"
