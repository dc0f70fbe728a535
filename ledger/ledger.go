// Package ledger persists promotion records in an append-only CSV table,
// either as a local file or as a Cloud Storage object.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"freegames-notifier/pkg/promo"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

// Snapshot is the result of one ledger read.
type Snapshot struct {
	Records []promo.Record                // Valid records in append order
	Skipped []*promo.MalformedRecordError // Rows that could not be parsed
}

// MaxID returns the largest id in the snapshot, or 0 if it is empty.
func (s *Snapshot) MaxID() int {
	maxID := 0
	for i := range s.Records {
		if s.Records[i].ID > maxID {
			maxID = s.Records[i].ID
		}
	}
	return maxID
}

// Store reads and appends ledger records.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
}

// New creates a ledger store. When localPath is set the ledger is a local
// file; otherwise it is the named object in bucket.
func New(client *storage.Client, bucket, object, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		object:    object,
	}
}

// Location describes where the ledger lives, for log lines and CLI output.
func (s *Store) Location() string {
	if s.localPath != "" {
		return s.localPath
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// LocalPath returns the ledger file path, or "" for bucket-backed ledgers.
func (s *Store) LocalPath() string {
	return s.localPath
}

// ReadAll returns every valid record in the ledger.
func (s *Store) ReadAll(ctx context.Context) (*Snapshot, error) {
	return s.ReadTail(ctx, 0)
}

// ReadTail returns the last n valid records in append order, or fewer if the
// ledger is shorter. n <= 0 returns all records. A ledger that does not
// exist yet reads as empty. Malformed rows are skipped, logged, and
// reported in Snapshot.Skipped.
func (s *Store) ReadTail(ctx context.Context, n int) (*Snapshot, error) {
	data, err := s.read(ctx)
	if err != nil {
		return nil, err
	}

	_, snap, err := decode(bytes.NewReader(data), n)
	if err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", s.Location(), err)
	}

	for _, bad := range snap.Skipped {
		s.logger.Warn("Ledger row skipped", "ledger", s.Location(), "line", bad.Line, "reason", bad.Reason)
	}

	s.logger.Debug("Ledger read", "ledger", s.Location(), "tail", n, "records", len(snap.Records), "skipped", len(snap.Skipped))
	return snap, nil
}

// Append writes records to the end of the ledger in the order given. A new
// ledger gets a header row first. The batch becomes visible to readers all
// at once or not at all. Appending an empty slice is a no-op.
func (s *Store) Append(ctx context.Context, records []promo.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	if s.localPath != "" {
		if err := s.appendLocal(records); err != nil {
			return 0, err
		}
	} else if err := s.appendObject(ctx, records); err != nil {
		return 0, err
	}

	s.logger.Info("Ledger rows appended",
		"ledger", s.Location(),
		"count", len(records),
		"first_id", records[0].ID,
		"last_id", records[len(records)-1].ID)
	return len(records), nil
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local ledger: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			var fetchErr error
			data, _, fetchErr = s.fetchObject(ctx)
			return fetchErr
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying ledger read after error", "attempt", n, "ledger", s.Location(), "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("read ledger after retries: %w", err)
	}
	return data, nil
}

// fetchObject returns the ledger object's content and generation. A missing
// object is reported as empty content with generation 0.
func (s *Store) fetchObject(ctx context.Context) ([]byte, int64, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open ledger object: %w", err)
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			s.logger.Warn("Failed to close ledger reader", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read ledger object: %w", err)
	}
	return data, r.Attrs.Generation, nil
}

// batch renders records for appending after existing. It reuses the existing
// header's column order so older ledgers stay consistent.
func batch(existing []byte, records []promo.Record) ([]byte, error) {
	h := defaultHeader()
	fresh := len(bytes.TrimSpace(existing)) == 0

	if !fresh {
		parsed, _, err := decode(bytes.NewReader(existing), 1)
		if err != nil {
			return nil, fmt.Errorf("read existing header: %w", err)
		}
		if parsed != nil {
			h = parsed
		}
	}

	body, err := encode(h, records, fresh)
	if err != nil {
		return nil, err
	}

	if !fresh && existing[len(existing)-1] != '\n' {
		body = append([]byte("\n"), body...)
	}
	return body, nil
}

func (s *Store) appendLocal(records []promo.Record) error {
	if err := os.MkdirAll(filepath.Dir(s.localPath), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	existing, err := os.ReadFile(s.localPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read local ledger: %w", err)
	}

	body, err := batch(existing, records)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(existing)) == 0 && len(existing) > 0 {
		// Whitespace-only file: start over so the header is the first line.
		if err := os.Truncate(s.localPath, 0); err != nil {
			return fmt.Errorf("reset empty ledger: %w", err)
		}
	}

	f, err := os.OpenFile(s.localPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open local ledger: %w", err)
	}

	// One write call per batch, then fsync, so readers see the whole batch or none of it.
	if _, err := f.Write(body); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			s.logger.Warn("Failed to close ledger after error", "error", closeErr)
		}
		return fmt.Errorf("write local ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			s.logger.Warn("Failed to close ledger after error", "error", closeErr)
		}
		return fmt.Errorf("sync local ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close local ledger: %w", err)
	}
	return nil
}

// appendObject rewrites the ledger object with the batch added, conditioned on
// the generation that was read. A concurrent writer makes the precondition
// fail and the whole read-modify-write is retried.
func (s *Store) appendObject(ctx context.Context, records []promo.Record) error {
	err := retry.Do(
		func() error {
			existing, generation, err := s.fetchObject(ctx)
			if err != nil {
				return err
			}

			body, err := batch(existing, records)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if len(bytes.TrimSpace(existing)) == 0 {
				existing = nil
			}

			obj := s.client.Bucket(s.bucket).Object(s.object)
			if generation == 0 {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			} else {
				obj = obj.If(storage.Conditions{GenerationMatch: generation})
			}

			w := obj.NewWriter(ctx)
			w.ContentType = "text/csv; charset=utf-8"
			if _, writeErr := w.Write(append(existing, body...)); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write ledger object: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					s.logger.Info("Ledger object changed during append, rereading", "ledger", s.Location(), "generation", generation)
				}
				return fmt.Errorf("close ledger writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying ledger append after error", "attempt", n, "ledger", s.Location(), "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("append ledger after retries: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
