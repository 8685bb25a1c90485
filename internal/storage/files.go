package storage

import (
	"errors"
	"io/fs"
	"os"
)

// Files is the durable byte storage used for images, thumbnails and sidecars.
type Files interface {
	WriteFile(name string, data []byte, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
}

// OSFiles implements Files on the local file system.
type OSFiles struct{}

// WriteFile creates name exclusively; an existing file is an error. A file
// that was created but not fully written is removed again.
func (OSFiles) WriteFile(name string, data []byte, perm os.FileMode) (err error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(name)
		}
	}()
	if _, err = f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func (OSFiles) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }
func (OSFiles) Remove(name string) error { return os.Remove(name) }
func (OSFiles) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (OSFiles) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

// RemoveIfExists removes name, treating an absent file as success.
func RemoveIfExists(files Files, name string) error {
	if name == "" {
		return nil
	}
	if err := files.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
