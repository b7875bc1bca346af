package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/downfa11-org/go-broker/pkg/commitlog"
	"golang.org/x/exp/mmap"
)

// dump walks commit log segments read-only and prints every record, for
// offline inspection of a broker's log directory.
func main() {
	dir := flag.String("dir", "broker-logs/commitlog", "Commit log segment directory")
	from := flag.Int64("from", 0, "Physical offset to start from")
	checkCRC := flag.Bool("crc", true, "Verify body checksums")
	flag.Parse()

	entries, err := os.ReadDir(*dir)
	if err != nil {
		log.Fatalf("read %s: %v", *dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) == 20 {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		log.Fatalf("no segments in %s", *dir)
	}

	total := 0
	for _, name := range names {
		if !dumpSegment(filepath.Join(*dir, name), *from, *checkCRC, &total) {
			break
		}
	}
	fmt.Printf("%d records\n", total)
}

// dumpSegment prints one segment's records and reports whether the scan
// should continue into the next segment.
func dumpSegment(path string, from int64, checkCRC bool, total *int) bool {
	reader, err := mmap.Open(path)
	if err != nil {
		log.Fatalf("mmap open %s: %v", path, err)
	}
	defer reader.Close()

	data := make([]byte, reader.Len())
	if _, err := reader.ReadAt(data, 0); err != nil {
		log.Fatalf("read %s: %v", path, err)
	}

	var fileFromOffset int64
	if _, err := fmt.Sscanf(filepath.Base(path), "%d", &fileFromOffset); err != nil {
		log.Fatalf("segment name %s: %v", filepath.Base(path), err)
	}

	pos := int64(0)
	if from > fileFromOffset {
		pos = from - fileFromOffset
		if pos >= int64(len(data)) {
			return true
		}
	}

	for pos < int64(len(data)) {
		req := commitlog.DecodeRecord(data[pos:], checkCRC, true, nil)
		switch {
		case req.Success && req.MsgSize > 0:
			fmt.Printf("offset=%d size=%d topic=%s queueId=%d queueOffset=%d ts=%s keys=%q\n",
				fileFromOffset+pos, req.MsgSize, req.Topic, req.QueueID, req.ConsumeQueueOffset,
				time.UnixMilli(req.StoreTimestamp).Format(time.RFC3339), req.Keys)
			*total++
			pos += int64(req.MsgSize)
		case req.Success && req.MsgSize == 0:
			fmt.Printf("offset=%d blank trailer\n", fileFromOffset+pos)
			return true
		default:
			fmt.Printf("offset=%d end of data\n", fileFromOffset+pos)
			return false
		}
	}
	return true
}
