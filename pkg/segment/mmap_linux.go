//go:build linux
// +build linux

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapSegment(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// Linux: sequential access hint
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	return data, nil
}

func unmapSegment(data []byte) error {
	return unix.Munmap(data)
}

func syncSegment(f *os.File, data []byte, upTo int32) error {
	_ = upTo
	return unix.Msync(data, unix.MS_SYNC)
}
