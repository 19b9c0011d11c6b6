package database

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

// MigrationLogger adapts ectologger to migrate.Logger.
type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationConfig struct {
	// FS holds one directory of migrations per dialect ("postgres", "sqlite").
	FS fs.FS
	// MigrationFolderPath overrides FS with a directory on disk laid out the same way.
	MigrationFolderPath string
	Version             uint
	Force               int
	// AutoRollback forces a dirty database back to the previous version after a failure.
	AutoRollback bool
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// Migrate applies the migrations for the database's dialect.
func (ms *MigrationService) Migrate(ctx context.Context, db DB) error {
	dialect := db.Dialect()

	driver, err := ms.driverFor(dialect, db)
	if err != nil {
		return err
	}

	m, err := ms.newMigrate(dialect, driver)
	if err != nil {
		ms.logger.WithContext(ctx).WithError(err).Error("Failed to create migrate instance")
		return err
	}
	m.Log = MigrationLogger{Logger: ms.logger}

	return ms.runMigration(ctx, m, dialect)
}

func (ms *MigrationService) driverFor(dialect Dialect, db DB) (migratedb.Driver, error) {
	switch dialect {
	case DialectSQLite:
		driver, err := sqlite.WithInstance(db.SQLDB(), &sqlite.Config{})
		return driver, errors.Wrap(err, "failed to create sqlite migration driver")
	default:
		driver, err := postgres.WithInstance(db.SQLDB(), &postgres.Config{})
		return driver, errors.Wrap(err, "failed to create postgres migration driver")
	}
}

func (ms *MigrationService) newMigrate(dialect Dialect, driver migratedb.Driver) (*migrate.Migrate, error) {
	if ms.config.MigrationFolderPath != "" {
		folder := filepath.Join(ms.config.MigrationFolderPath, string(dialect))
		if _, err := os.Stat(folder); err != nil {
			return nil, errors.Wrapf(err, "migration folder %s does not exist", folder)
		}
		return migrate.NewWithDatabaseInstance("file://"+folder, string(dialect), driver)
	}

	if ms.config.FS == nil {
		return nil, errors.New("no migration source configured")
	}
	src, err := iofs.New(ms.config.FS, string(dialect))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open embedded migrations")
	}
	return migrate.NewWithInstance("iofs", src, string(dialect), driver)
}

func (ms *MigrationService) runMigration(ctx context.Context, m *migrate.Migrate, dialect Dialect) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithContext(ctx).WithError(err).Errorf("Failed to force database to version %d", ms.config.Force)
			return err
		}
	}

	version, _, versionErr := m.Version()
	if versionErr != nil && !errors.Is(versionErr, migrate.ErrNilVersion) {
		ms.logger.WithContext(ctx).WithError(versionErr).Error("Failed to get current migration version")
	}

	done := make(chan struct{})
	go ms.logProgress(ctx, done)

	start := time.Now()
	var migrationErr error
	if ms.config.Version != 0 {
		migrationErr = m.Migrate(ms.config.Version)
	} else {
		migrationErr = m.Up()
	}
	close(done)

	ms.logger.WithContext(ctx).Infof("Database migrations completed in %v", time.Since(start))

	return ms.handleMigrationError(ctx, m, migrationErr, version, dialect)
}

func (ms *MigrationService) logProgress(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	dots := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			dots = (dots + 1) % 4
			ms.logger.WithContext(ctx).Debugf("Executing database migrations%s", strings.Repeat(".", dots))
		}
	}
}

func (ms *MigrationService) handleMigrationError(ctx context.Context, m *migrate.Migrate, err error, previousVersion uint, dialect Dialect) error {
	logger := ms.logger.WithContext(ctx)

	if err == nil {
		logger.Info("Successfully applied migrations")
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No new migrations to apply")
		return nil
	}

	// the database is ahead of the shipped migrations, usually after a rollback
	if strings.Contains(err.Error(), "no migration found for version") {
		latest, latestErr := ms.latestVersion(dialect)
		if latestErr != nil {
			logger.WithError(latestErr).Error("Failed to get latest migration version")
			return err
		}
		logger.Warnf("No migration found for version %d. Forcing database to latest version %d", previousVersion, latest)
		if forceErr := m.Force(latest); forceErr != nil {
			logger.WithError(forceErr).Errorf("Failed to force database to version %d", latest)
			return forceErr
		}
		return nil
	}

	logger.WithError(err).Errorf("Migration failed with error: %v", err)

	version, dirty, versionErr := m.Version()
	if versionErr != nil && !errors.Is(versionErr, migrate.ErrNilVersion) {
		logger.WithError(versionErr).Error("Failed to get current migration version")
		return err
	}

	if ms.config.AutoRollback && dirty {
		if previousVersion == 0 && version > 0 {
			previousVersion = version - 1
		}
		logger.Warnf("Database is dirty at version %d. Reverting to version %d", version, previousVersion)
		if forceErr := m.Force(int(previousVersion)); forceErr != nil {
			logger.WithError(forceErr).Errorf("Failed to force database to version %d", previousVersion)
			return forceErr
		}
	}

	// still fail so the process does not start on a half migrated schema
	return errors.Wrapf(err, "failed to apply migrations (dirty=%t version=%d)", dirty, version)
}

var migrationFileRe = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

func (ms *MigrationService) latestVersion(dialect Dialect) (int, error) {
	var entries []fs.DirEntry
	var err error
	if ms.config.MigrationFolderPath != "" {
		entries, err = os.ReadDir(filepath.Join(ms.config.MigrationFolderPath, string(dialect)))
	} else {
		entries, err = fs.ReadDir(ms.config.FS, string(dialect))
	}
	if err != nil {
		return 0, err
	}
	return latestVersion(entries)
}

func latestVersion(entries []fs.DirEntry) (int, error) {
	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationFileRe.FindStringSubmatch(entry.Name())
		if len(matches) < 2 {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, version)
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found")
	}

	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
