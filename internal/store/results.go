package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akl7777777/imei-intel/internal/cache"
	"github.com/akl7777777/imei-intel/internal/logger"
	"github.com/akl7777777/imei-intel/internal/model"
)

// CleanupInterval is how often expired rows are deleted.
const CleanupInterval = time.Hour

// Results is a cache.Backend over the imei_results table. Rows carry their
// write time; the cache decides expiry on read and a background loop
// deletes rows older than the TTL.
type Results struct {
	db   *DB
	ttl  time.Duration
	now  func() time.Time
	log  logrus.FieldLogger
	stop chan struct{}
	done chan struct{}
}

// NewResults starts the cleanup loop. Close stops it.
func NewResults(db *DB, ttl time.Duration, log logrus.FieldLogger) *Results {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	r := &Results{
		db:   db,
		ttl:  ttl,
		now:  time.Now,
		log:  logger.Component(log, "store"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.cleanupLoop()

	r.log.WithFields(logrus.Fields{"backend": db.Backend(), "ttl": ttl.String()}).Info("persistent result cache opened")
	return r
}

func (r *Results) Name() string { return r.db.Backend() }

func (r *Results) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	var data string
	err := r.db.sql.QueryRowContext(ctx,
		"SELECT data FROM imei_results WHERE cache_key = ?", key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", key, err)
	}

	var e model.CacheEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return &e, nil
}

func (r *Results) Save(ctx context.Context, key string, e *model.CacheEntry, _ time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if _, err := r.db.sql.ExecContext(ctx, r.db.dialect.upsertResult,
		key, string(data), e.Provider, e.StoredAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: save %s: %w", key, err)
	}
	return nil
}

func (r *Results) Delete(ctx context.Context, key string) error {
	if _, err := r.db.sql.ExecContext(ctx, "DELETE FROM imei_results WHERE cache_key = ?", key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

func (r *Results) Size(ctx context.Context) int {
	var count int
	if err := r.db.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM imei_results").Scan(&count); err != nil {
		return 0
	}
	return count
}

// Cleanup deletes rows written more than one TTL ago and returns how many.
func (r *Results) Cleanup(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.ttl).UnixMilli()
	result, err := r.db.sql.ExecContext(ctx, "DELETE FROM imei_results WHERE stored_at <= ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

func (r *Results) cleanupLoop() {
	defer close(r.done)

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := r.Cleanup(context.Background())
			if err != nil {
				r.log.WithError(err).Error("cleanup failed")
				continue
			}
			if n > 0 {
				r.log.WithField("removed", n).Info("removed expired results")
			}
		case <-r.stop:
			return
		}
	}
}

// Close stops the cleanup loop and closes the database.
func (r *Results) Close() error {
	close(r.stop)
	<-r.done
	r.log.Info("persistent result cache closed")
	return r.db.Close()
}
