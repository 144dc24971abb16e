package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	pkgerrors "imagesearch/pkg/errors"
	"imagesearch/pkg/logger"
)

// DefaultBatchSize is the number of records ImportJSONL commits per transaction.
const DefaultBatchSize = 500

const maxLineSize = 16 << 20

// jsonRecord is one line of an import file. The "images"/"s3_link" pair is the
// field naming used by the document stores the pipeline exports from.
type jsonRecord struct {
	Vector []float32 `json:"vector"`
	Label  string    `json:"label"`
	Images []float32 `json:"images"`
	S3Link string    `json:"s3_link"`
}

func (j jsonRecord) record() Record {
	r := Record{Vector: j.Vector, Label: j.Label}
	if len(r.Vector) == 0 {
		r.Vector = j.Images
	}
	if r.Label == "" {
		r.Label = j.S3Link
	}
	return r
}

// ImportJSONL reads newline-delimited JSON records from r and appends them in
// file order. Blank lines are skipped. It returns the number of records stored;
// on error, records from batches already committed remain.
func (s *Store) ImportJSONL(ctx context.Context, r io.Reader, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		total int
		line  int
		batch = make([]Record, 0, batchSize)
	)
	flush := func() error {
		n, err := s.InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		logger.Debug("Imported record batch", "records", total)
		return nil
	}

	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var jr jsonRecord
		if err := json.Unmarshal([]byte(text), &jr); err != nil {
			return total, fmt.Errorf("%w: line %d: %v", pkgerrors.ErrInvalidRecord, line, err)
		}
		rec := jr.record()
		if len(rec.Vector) == 0 {
			return total, fmt.Errorf("%w: line %d has no vector", pkgerrors.ErrInvalidRecord, line)
		}
		batch = append(batch, rec)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("read import file: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}

	logger.Info("Imported records", "table", s.table, "records", total)
	return total, nil
}
