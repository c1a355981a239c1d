//go:build unix

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(file *os.File, length uint64) ([]byte, error) {
	return unix.Mmap(int(file.Fd()), 0, int(length), unix.PROT_READ, unix.MAP_SHARED)
}

func munmapFile(data []byte) error {
	return unix.Munmap(data)
}
