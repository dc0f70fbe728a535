// Package storage handles persistence of alert subscribers.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"freegames-notifier/pkg/promo"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

const keyPrefix = "sub-"

// ErrNotFound is returned when no subscriber matches a key, token, or email.
var ErrNotFound = errors.New("storage: subscriber doesn't exist")

// Store handles subscriber persistence in a local directory or a bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	salt      []byte
}

// New creates a new storage handler. A non-empty localPath takes precedence
// over the bucket.
func New(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

// TokenFromEmail derives a deterministic, unguessable token from an email address.
func (s *Store) TokenFromEmail(email string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h.Sum(nil))
}

// SubscriberKey maps a token to its object name. It returns "" for anything
// that is not a 64 character lowercase hex string, which also keeps tokens
// from escaping the storage directory.
func SubscriberKey(token string) string {
	if len(token) != sha256.Size*2 {
		return ""
	}
	// Check every character so timing does not reveal where a token differs.
	valid := true
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			valid = false
		}
	}
	if !valid {
		return ""
	}
	return keyPrefix + token + ".json"
}

// NewSubscriber builds a subscriber record for email.
func (s *Store) NewSubscriber(email string, now time.Time) *promo.Subscriber {
	return &promo.Subscriber{
		Email:     strings.TrimSpace(email),
		Token:     s.TokenFromEmail(email),
		CreatedAt: now.UTC(),
	}
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Save writes a subscriber, replacing any previous version.
func (s *Store) Save(ctx context.Context, sub *promo.Subscriber) error {
	key := SubscriberKey(sub.Token)
	if key == "" {
		return errors.New("invalid token format")
	}

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}

	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o750); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
		path := filepath.Join(s.localPath, key)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		s.logger.Debug("Subscriber saved to local storage", "path", path, "email", sub.Email)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOptions(ctx, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Subscriber saved", "bucket", s.bucket, "key", key, "email", sub.Email)
	return nil
}

// LoadByEmail loads a subscriber by email address.
func (s *Store) LoadByEmail(ctx context.Context, email string) (*promo.Subscriber, error) {
	return s.Load(ctx, SubscriberKey(s.TokenFromEmail(email)))
}

// LoadByToken loads a subscriber by the token from an unsubscribe link.
// Malformed tokens report ErrNotFound, same as unknown ones.
func (s *Store) LoadByToken(ctx context.Context, token string) (*promo.Subscriber, error) {
	key := SubscriberKey(token)
	if key == "" {
		return nil, ErrNotFound
	}
	return s.Load(ctx, key)
}

// Load loads a subscriber by key.
func (s *Store) Load(ctx context.Context, key string) (*promo.Subscriber, error) {
	if key == "" {
		return nil, errors.New("invalid key format")
	}

	var data []byte
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				if openErr != nil {
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			s.retryOptions(ctx, "load", key)...,
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var sub promo.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber %s: %w", key, err)
	}
	return &sub, nil
}

// Delete removes a subscriber by email. Deleting an unknown subscriber is not an error.
func (s *Store) Delete(ctx context.Context, email string) error {
	key := SubscriberKey(s.TokenFromEmail(email))

	if s.localPath != "" {
		path := filepath.Join(s.localPath, key)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Subscriber deleted from local storage", "path", path, "email", email)
		return nil
	}

	err := retry.Do(
		func() error {
			deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
			if errors.Is(deleteErr, storage.ErrObjectNotExist) {
				return nil
			}
			if deleteErr != nil {
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Subscriber deleted", "key", key, "email", email)
	return nil
}

// List returns every stored subscriber. Unreadable entries are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*promo.Subscriber, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
	} else {
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	subs := make([]*promo.Subscriber, 0, len(keys))
	for _, key := range keys {
		sub, err := s.Load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load subscriber", "key", key, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// IsNotFound checks if an error indicates a subscriber was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
