package openid

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// a queued endpoint or an unconsumed nonce may sit for up to an hour
	// before the sweep takes it
	endpointLifespan = time.Hour
	nonceLifespan    = time.Hour

	// Sessions stored with lifespan 0 last as long as the browser stays
	// open. Server side they still get a day before the sweep takes them.
	browserSessionLifespan = 24 * time.Hour

	busyTimeout = 5 * time.Second
)

// Backend is one scoped handle on the shared SQLite file. Every request
// opens its own Backend and closes it on all exit paths; a handle is never
// reused across requests. After the first I/O failure the handle is dead and
// every further operation on it reports ErrBackendUnavailable.
type Backend struct {
	db  *gorm.DB
	err error

	// now is replaced in tests to move the clock.
	now func() time.Time
}

var sweptTables = []string{"associations", "endpoints", "nonces", "sessions", "session_attributes"}

// OpenBackend opens the SQLite file at path and makes sure the schema
// exists. SQLite's own locking is the only concurrency control: writers wait
// up to the busy timeout, and a timeout surfaces as a backend failure.
func OpenBackend(path string) (*Backend, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, busyTimeout.Milliseconds())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		slog.Error("could not open backend", "path", path, "err", err)
		return nil, fmt.Errorf("could not open backend at %s: %w", path, ErrBackendUnavailable)
	}

	if err := db.AutoMigrate(&Association{}, &Endpoint{}, &Nonce{}, &Session{}, &SessionAttribute{}); err != nil {
		slog.Error("could not migrate backend schema", "path", path, "err", err)
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("could not migrate backend schema: %w", ErrBackendUnavailable)
	}

	return &Backend{db: db, now: time.Now}, nil
}

// Close releases the underlying connection. Safe to call on a failed handle.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}

	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// fail marks the handle dead. The request using it is failing anyway; log
// once here so callers can treat the returned error as opaque.
func (b *Backend) fail(context string, err error) error {
	slog.Error("backend failure", "context", context, "err", err)
	b.err = fmt.Errorf("%s: %w", context, ErrBackendUnavailable)
	return b.err
}

// sweep purges every expired row before the caller's operation touches the
// tables. Expiry is advisory: nothing reaps in the background, so every
// mutating or querying operation sweeps first.
func (b *Backend) sweep() error {
	if b.err != nil {
		return b.err
	}

	now := b.now().Unix()
	for _, table := range sweptTables {
		if err := b.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE ? > expires_on", table), now).Error; err != nil {
			return b.fail("could not sweep expired rows from "+table, err)
		}
	}

	return nil
}
