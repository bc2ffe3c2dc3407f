package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// SQLiteStore is a durable task store and inventory backed by one SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	// Path is a file path or ":memory:".
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxOpenConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Create inserts a new PENDING task.
func (s *SQLiteStore) Create(ctx context.Context, req engine.Request) (string, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	id := uuid.NewString()
	now := s.now().UTC().UnixNano()

	query := `
		INSERT INTO tasks (id, status, request, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, id, string(engine.StatusPending), string(reqJSON), now, now); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	return id, nil
}

const taskColumns = `id, status, request, result, failure, created_at, updated_at`

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*engine.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// List returns all tasks in insertion order.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// UpdateStatus moves a task from one status to another.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, from, to engine.TaskStatus) error {
	if err := checkTransition(id, from, to); err != nil {
		return err
	}
	query := `
		UPDATE tasks
		SET status = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status = ?
	`
	return s.cas(ctx, id, from, query, string(to), s.now().UTC().UnixNano(), id, string(from))
}

// UpdateResult settles a task as SUCCEEDED.
func (s *SQLiteStore) UpdateResult(ctx context.Context, id string, from engine.TaskStatus, result engine.Result) error {
	if err := checkTransition(id, from, engine.StatusSucceeded); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	query := `
		UPDATE tasks
		SET status = ?, result = ?, failure = NULL, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status = ?
	`
	return s.cas(ctx, id, from, query, string(engine.StatusSucceeded), string(data), s.now().UTC().UnixNano(), id, string(from))
}

// UpdateFailure settles a task as FAILED.
func (s *SQLiteStore) UpdateFailure(ctx context.Context, id string, from engine.TaskStatus, failure engine.Failure) error {
	if err := checkTransition(id, from, engine.StatusFailed); err != nil {
		return err
	}
	data, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}
	query := `
		UPDATE tasks
		SET status = ?, failure = ?, result = NULL, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status = ?
	`
	return s.cas(ctx, id, from, query, string(engine.StatusFailed), string(data), s.now().UTC().UnixNano(), id, string(from))
}

// Delete removes a task.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(id)
	}

	return nil
}

// cas runs a conditional update and explains a miss.
func (s *SQLiteStore) cas(ctx context.Context, id string, from engine.TaskStatus, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return casError(id, false, "", from)
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}
	return casError(id, true, engine.TaskStatus(current), from)
}

// SaveDevice upserts the inventory record for an onboarded device.
func (s *SQLiteStore) SaveDevice(ctx context.Context, record engine.DeviceRecord) error {
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
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return engine.NewPersistenceError("failed to encode tags", err)
	}

	key := DeviceKey(record)
	now := s.now().UTC().UnixNano()

	query := `
		INSERT INTO devices (device_key, address, platform, hostname, vendor, serial, model, os_version,
			facts, location, role, device_type, tags, task_id, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_key) DO UPDATE SET
			address = excluded.address,
			platform = excluded.platform,
			hostname = excluded.hostname,
			vendor = excluded.vendor,
			serial = excluded.serial,
			model = excluded.model,
			os_version = excluded.os_version,
			facts = excluded.facts,
			location = excluded.location,
			role = excluded.role,
			device_type = excluded.device_type,
			tags = excluded.tags,
			task_id = excluded.task_id,
			last_seen = excluded.last_seen
	`

	_, err = s.db.ExecContext(ctx, query,
		key,
		record.Address,
		record.Platform,
		facts.Hostname,
		facts.Vendor,
		facts.Serial,
		facts.Model,
		facts.OSVersion,
		string(factsJSON),
		record.Location,
		record.Role,
		record.DeviceType,
		string(tagsJSON),
		record.TaskID,
		now,
		now,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to save device", err).WithResource(key)
	}

	log.Debug().Str("device_key", key).Str("address", record.Address).Msg("device saved to inventory")
	return nil
}

const deviceColumns = `device_key, address, platform, facts, location, role, device_type, tags, task_id, first_seen, last_seen`

// GetDevice returns one inventory record.
func (s *SQLiteStore) GetDevice(ctx context.Context, key string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_key = ?`, key)
	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errDeviceNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// ListDevices returns inventory records ordered by address.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY address ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*engine.Task, error) {
	var (
		task                 engine.Task
		status, reqJSON      string
		resultJSON, failJSON sql.NullString
		created, updated     int64
	)
	if err := row.Scan(&task.ID, &status, &reqJSON, &resultJSON, &failJSON, &created, &updated); err != nil {
		return nil, err
	}

	task.Status = engine.TaskStatus(status)
	task.CreatedAt = time.Unix(0, created).UTC()
	task.UpdatedAt = time.Unix(0, updated).UTC()

	if err := json.Unmarshal([]byte(reqJSON), &task.Request); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if resultJSON.Valid {
		task.Result = &engine.Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), task.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	if failJSON.Valid {
		task.Failure = &engine.Failure{}
		if err := json.Unmarshal([]byte(failJSON.String), task.Failure); err != nil {
			return nil, fmt.Errorf("failed to decode failure: %w", err)
		}
	}
	return &task, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                   Device
		factsJSON, tagsJSON string
		first, last         int64
	)
	err := row.Scan(&d.Key, &d.Address, &d.Platform, &factsJSON, &d.Location, &d.Role,
		&d.DeviceType, &tagsJSON, &d.TaskID, &first, &last)
	if err != nil {
		return nil, err
	}
	d.FirstSeen = time.Unix(0, first).UTC()
	d.LastSeen = time.Unix(0, last).UTC()

	d.Facts = &engine.DeviceFacts{}
	if err := json.Unmarshal([]byte(factsJSON), d.Facts); err != nil {
		return nil, fmt.Errorf("failed to decode facts: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &d.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return &d, nil
}

func errDeviceNotFound(key string) error {
	return engine.NewError(engine.KindNotFound, "device not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(key)
}
