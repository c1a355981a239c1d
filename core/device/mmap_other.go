//go:build !unix

package device

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("mmap not supported on this platform")

func mmapFile(file *os.File, length uint64) ([]byte, error) {
	return nil, errNoMmap
}

func munmapFile(data []byte) error {
	return nil
}
