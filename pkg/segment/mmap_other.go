//go:build !linux
// +build !linux

package segment

import (
	"io"
	"os"
)

// Without a writable mapping the segment lives in a heap buffer seeded from
// the file; syncSegment writes the used prefix back and fsyncs.

func mapSegment(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

func unmapSegment(data []byte) error {
	return nil
}

func syncSegment(f *os.File, data []byte, upTo int32) error {
	if upTo > 0 {
		if _, err := f.WriteAt(data[:upTo], 0); err != nil {
			return err
		}
	}
	return f.Sync()
}
