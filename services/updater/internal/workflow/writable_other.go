//go:build !unix

package workflow

import "os"

func writable(dir string) error {
	f, err := os.CreateTemp(dir, ".fpupdate-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
