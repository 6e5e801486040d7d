// Package store provides the persistent sqlite-backed state for the
// bridge multiplexer: registered bridges, homeservers, transaction and
// room ownership mappings, and the per-request audit log.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	// Registers the pure Go "sqlite" database/sql driver, no cgo.
	_ "modernc.org/sqlite"

	"github.com/bridgemux/bridgemux/pkg/config"
	"github.com/bridgemux/bridgemux/pkg/logger"
)

// Store owns the database handle and the typed repositories.
type Store struct {
	db     *gorm.DB
	logger *logger.Logger

	Bridges      *BridgeRepository
	Homeservers  *HomeserverRepository
	Transactions *TransactionRepository
	Rooms        *RoomRepository
	Requests     *RequestRepository
}

// Open opens (or creates) the sqlite database, runs migrations and
// returns a ready Store.
func Open(cfg config.StoreConfig, log *logger.Logger) (*Store, error) {
	gormLog := gormlogger.New(
		&gormLogAdapter{log: log.WithComponent("gorm")},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        cfg.Path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(
		&Homeserver{},
		&Bridge{},
		&TransactionMapping{},
		&RoomBridgeMapping{},
		&Request{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("store initialized", "path", cfg.Path)

	return &Store{
		db:           db,
		logger:       log,
		Bridges:      NewBridgeRepository(db),
		Homeservers:  NewHomeserverRepository(db),
		Transactions: NewTransactionRepository(db),
		Rooms:        NewRoomRepository(db),
		Requests:     NewRequestRepository(db),
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the underlying GORM handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// gormLogAdapter adapts the multiplexer logger to GORM's writer interface.
type gormLogAdapter struct {
	log *logger.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...))
}
