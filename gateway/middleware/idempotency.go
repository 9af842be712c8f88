package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"lienchain/observability"
)

const headerIdempotency = "Idempotency-Key"

var bucketResponses = []byte("responses")

// IdempotencyRecord stores the cached response envelope for an idempotency
// key.
type IdempotencyRecord struct {
	StatusCode int       `json:"statusCode"`
	Body       []byte    `json:"body"`
	StoredAt   time.Time `json:"storedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IdempotencyStore persists replayable responses in a BoltDB file so retried
// submissions survive gateway restarts.
type IdempotencyStore struct {
	db *bolt.DB
}

// NewIdempotencyStore opens (and migrates) the BoltDB-backed response cache.
func NewIdempotencyStore(path string, options *bolt.Options) (*IdempotencyStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &IdempotencyStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached response for a key when it has not expired. Expired
// records are deleted on read.
func (s *IdempotencyStore) Get(key string, now time.Time) (IdempotencyRecord, bool, error) {
	var record IdempotencyRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = IdempotencyRecord{}
			return bucket.Delete([]byte(key))
		}
		return nil
	})
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if record.StatusCode == 0 && len(record.Body) == 0 {
		return IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

// Put stores the response envelope for the supplied key.
func (s *IdempotencyStore) Put(key string, record IdempotencyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketResponses).Put([]byte(key), payload)
	})
}

// Idempotency replays cached responses for mutating routes when the client
// resubmits the same Idempotency-Key.
type Idempotency struct {
	store  *IdempotencyStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewIdempotency(store *IdempotencyStore, ttl time.Duration, logger *slog.Logger) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Middleware caches the first response written for each idempotency key and
// replays it on subsequent submissions. Requests without the header pass
// through untouched.
func (i *Idempotency) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if i == nil || i.store == nil {
				next.ServeHTTP(w, r)
				return
			}
			idemKey := strings.TrimSpace(r.Header.Get(headerIdempotency))
			if idemKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := i.cacheKey(r, idemKey)
			record, found, err := i.store.Get(key, i.now())
			if err != nil {
				i.logger.Warn("idempotency lookup failed", "error", err)
			}
			if found {
				observability.Gateway().RecordReplay(route)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Cache", "hit")
				w.WriteHeader(record.StatusCode)
				_, _ = w.Write(record.Body)
				return
			}
			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			// Server errors and throttles stay uncached so a retry can
			// reach the node again.
			if recorder.status >= http.StatusInternalServerError || recorder.status == http.StatusTooManyRequests {
				return
			}
			stored := IdempotencyRecord{
				StatusCode: recorder.status,
				Body:       recorder.body.Bytes(),
				StoredAt:   i.now(),
				ExpiresAt:  i.now().Add(i.ttl),
			}
			if err := i.store.Put(key, stored); err != nil {
				i.logger.Warn("idempotency persist failed", "error", err)
			}
		})
	}
}

// cacheKey scopes idempotency keys to the authenticated subject so one
// caller cannot replay another caller's responses.
func (i *Idempotency) cacheKey(r *http.Request, idemKey string) string {
	subject, _ := r.Context().Value(ContextKeySubject).(string)
	return fmt.Sprintf("%s|%s|%s|%s", subject, r.Method, r.URL.Path, idemKey)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
