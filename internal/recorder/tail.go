package recorder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTailInterval is how often Tail polls the file.
const DefaultTailInterval = 500 * time.Millisecond

// ReadRecords reads every complete line of path starting at offset and
// returns the parsed records with the offset just past the last complete
// line. A trailing partial line is left for the next call. A missing file
// yields no records; a file shorter than offset is treated as truncated
// and read from the start. Lines that are not valid JSON are skipped.
func ReadRecords(path string, offset int64) ([]Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() < offset {
		log.Warn().Str("path", path).Int64("offset", offset).Int64("size", info.Size()).
			Msg("output file shrank, reading from start")
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("failed to seek %s: %w", path, err)
	}

	var records []Record
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, offset, fmt.Errorf("failed to read %s: %w", path, err)
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("skipping malformed record line")
			continue
		}
		records = append(records, rec)
	}

	return records, offset, nil
}

// Tail follows path from offset, calling fn for each record as complete
// lines appear, until ctx is done or fn returns an error. The returned
// offset is where a later Tail should resume; when fn fails, records of the
// failing batch are delivered again on resume.
func Tail(ctx context.Context, path string, offset int64, interval time.Duration, fn func(Record) error) (int64, error) {
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		records, next, err := ReadRecords(path, offset)
		if err != nil {
			return offset, err
		}
		for _, rec := range records {
			if err := fn(rec); err != nil {
				return offset, err
			}
		}
		offset = next

		select {
		case <-ctx.Done():
			return offset, nil
		case <-ticker.C:
		}
	}
}

// Last returns up to n of the most recent records in path.
func Last(path string, n int) ([]Record, error) {
	records, _, err := ReadRecords(path, 0)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}
