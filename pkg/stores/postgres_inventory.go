package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/engine"
)

const postgresMigrationsTable = "netonboard_schema_migrations"

// PostgresConfig configures the Postgres inventory.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxConns        int32         `yaml:"max_conns" validate:"min=0"`
	MinConns        int32         `yaml:"min_conns" validate:"min=0"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" validate:"min=0"`
}

// PostgresInventory records onboarded devices in a Postgres table.
// It only implements the inventory side; tasks stay in SQLite or memory.
type PostgresInventory struct {
	pool *pgxpool.Pool
}

// NewPostgresInventory dials the database and returns an inventory backed by a pgx pool.
func NewPostgresInventory(ctx context.Context, cfg PostgresConfig) (*PostgresInventory, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to ping: %w", err)
	}

	return &PostgresInventory{pool: pool}, nil
}

// Migrate applies the embedded Postgres migrations.
func (p *PostgresInventory) Migrate(_ context.Context) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{MigrationsTable: postgresMigrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *PostgresInventory) Close() error {
	p.pool.Close()
	return nil
}

// HealthCheck pings the database.
func (p *PostgresInventory) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// SaveDevice upserts the inventory record for an onboarded device.
func (p *PostgresInventory) SaveDevice(ctx context.Context, record engine.DeviceRecord) error {
	facts := record.Facts
	if facts == nil {
		facts = &engine.DeviceFacts{}
	}
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return engine.NewPersistenceError("failed to encode facts", err)
	}
	tags := record.Tags
	if tags == nil {
		tags = []string{}
	}

	key := DeviceKey(record)

	const query = `
		INSERT INTO onboarded_devices (device_key, address, platform, hostname, vendor, serial, model,
			os_version, facts, location, role, device_type, tags, task_id, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())
		ON CONFLICT (device_key) DO UPDATE SET
			address = EXCLUDED.address,
			platform = EXCLUDED.platform,
			hostname = EXCLUDED.hostname,
			vendor = EXCLUDED.vendor,
			serial = EXCLUDED.serial,
			model = EXCLUDED.model,
			os_version = EXCLUDED.os_version,
			facts = EXCLUDED.facts,
			location = EXCLUDED.location,
			role = EXCLUDED.role,
			device_type = EXCLUDED.device_type,
			tags = EXCLUDED.tags,
			task_id = EXCLUDED.task_id,
			last_seen = now()`

	_, err = p.pool.Exec(ctx, query,
		key,
		record.Address,
		record.Platform,
		facts.Hostname,
		facts.Vendor,
		facts.Serial,
		facts.Model,
		facts.OSVersion,
		factsJSON,
		record.Location,
		record.Role,
		record.DeviceType,
		tags,
		record.TaskID,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to save device", err).WithResource(key)
	}

	log.Debug().Str("device_key", key).Str("address", record.Address).Msg("device saved to postgres inventory")
	return nil
}

// GetDevice returns one inventory record.
func (p *PostgresInventory) GetDevice(ctx context.Context, key string) (*Device, error) {
	const query = `
		SELECT device_key, address, platform, facts, location, role, device_type, tags, task_id, first_seen, last_seen
		FROM onboarded_devices
		WHERE device_key = $1`

	var (
		d         Device
		factsJSON []byte
	)
	err := p.pool.QueryRow(ctx, query, key).Scan(
		&d.Key, &d.Address, &d.Platform, &factsJSON, &d.Location, &d.Role,
		&d.DeviceType, &d.Tags, &d.TaskID, &d.FirstSeen, &d.LastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errDeviceNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	d.Facts = &engine.DeviceFacts{}
	if err := json.Unmarshal(factsJSON, d.Facts); err != nil {
		return nil, fmt.Errorf("failed to decode facts: %w", err)
	}
	return &d, nil
}
