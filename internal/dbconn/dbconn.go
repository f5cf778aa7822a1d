// Package dbconn opens warehouse sessions with a bounded retry policy and
// scopes the work done on them.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"dwetl/internal/etlerr"
	"dwetl/internal/retry"
	"dwetl/internal/storage"
)

// Mode selects how a session runs units of work.
type Mode int

const (
	// Autocommit runs every statement on its own. CREATE DATABASE needs it.
	Autocommit Mode = iota
	// Transactional wraps each unit of work in a transaction.
	Transactional
)

func (m Mode) String() string {
	if m == Transactional {
		return "transactional"
	}
	return "autocommit"
}

// Opener dials the database and verifies it is reachable.
type Opener func(ctx context.Context, driver, dsn string) (*sqlx.DB, error)

// Open is the default Opener: sqlx.Open, one pooled connection, then a ping.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	// One logical session per connect call.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Provider opens sessions against a warehouse backend.
//
// Params.Database is ignored; Connect names the database per call.
type Provider struct {
	Warehouse storage.Warehouse
	Params    storage.ConnParams
	Policy    retry.Policy
	Open      Opener      // nil means Open
	Log       *zap.Logger // nil means no logging
}

// Connect opens a live session on database, retrying every failure up to
// Policy.MaxAttempts. On exhaustion it returns *etlerr.ConnectionError
// wrapping the last cause.
func (p *Provider) Connect(ctx context.Context, database string, mode Mode) (*Session, error) {
	if p.Warehouse == nil {
		return nil, errors.New("dbconn: provider has no warehouse backend")
	}
	open := p.Open
	if open == nil {
		open = Open
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	params := p.Params
	params.Database = database
	dsn := p.Warehouse.DSN(params)
	driver := p.Warehouse.DriverName()

	var db *sqlx.DB
	attempts, err := p.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		actx, cancel := attemptContext(ctx, params.ConnectTimeout)
		defer cancel()

		conn, err := open(actx, driver, dsn)
		if err != nil {
			log.Warn("connect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.Policy.MaxAttempts),
				zap.String("database", database),
				zap.String("storage", p.Warehouse.Kind()),
				zap.Error(err))
			return err
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, &etlerr.ConnectionError{Database: database, Attempts: attempts, Err: err}
	}

	log.Debug("connected",
		zap.String("database", database),
		zap.String("mode", mode.String()),
		zap.Int("attempts", attempts))
	return &Session{db: db, mode: mode, database: database}, nil
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// With opens a session, runs fn, and always closes the session.
func With(ctx context.Context, p *Provider, database string, mode Mode, fn func(*Session) error) (err error) {
	s, err := p.Connect(ctx, database, mode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s session: %w", database, cerr)
		}
	}()
	return fn(s)
}

// Session is one open connection to a warehouse database.
type Session struct {
	db       *sqlx.DB
	mode     Mode
	database string

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) Database() string { return s.database }

// Querier returns the autocommit handle.
func (s *Session) Querier() storage.Querier { return s.db }

// UnitOfWork runs fn as one atomic unit.
//
// In Transactional mode fn runs inside a transaction that commits when fn
// returns nil and rolls back on error or panic. In Autocommit mode fn runs
// on the session directly.
func (s *Session) UnitOfWork(ctx context.Context, fn func(q storage.Querier) error) (err error) {
	if s.mode == Autocommit {
		return fn(s.db)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
