package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mattn/go-sqlite3"
)

// Repository defines the interface for device and command persistence.
// This abstraction enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same ID already exists.
	Create(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	Delete(ctx context.Context, id string) error

	// UpdateStatus replaces only the status fields of a device.
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error

	// CreateCommand inserts a new command.
	// Returns ErrCommandExists if the request id is already stored.
	CreateCommand(ctx context.Context, cmd *Command) error

	// UpdateCommandStatus changes a command's status.
	UpdateCommandStatus(ctx context.Context, id string, status CommandStatus, at time.Time) error

	// ListCommands retrieves every stored command, oldest first.
	ListCommands(ctx context.Context) ([]Command, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, gateway_id, label, device_type, status, status_at, created_at, updated_at`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	statusJSON, err := marshalMap(d.Status)
	if err != nil {
		return fmt.Errorf("marshalling status: %w", err)
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.GatewayID,
		d.Label,
		d.Type,
		statusJSON,
		nullableTime(d.StatusAt),
		d.CreatedAt.Format(time.RFC3339Nano),
		d.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Delete removes a device and its commands.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	} else if n == 0 {
		return ErrDeviceNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_commands WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("deleting device commands: %w", err)
	}
	return tx.Commit()
}

// UpdateStatus replaces only the status fields of a device.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error {
	statusJSON, err := marshalMap(status)
	if err != nil {
		return fmt.Errorf("marshalling status: %w", err)
	}
	ts := at.UTC().Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, status_at = ?, updated_at = ? WHERE id = ?`,
		statusJSON, ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return requireRow(res, ErrDeviceNotFound)
}

const commandColumns = `id, device_id, gateway_id, command, inputs, status, source_gateway_id, created_at, updated_at`

// CreateCommand inserts a new command.
func (r *SQLiteRepository) CreateCommand(ctx context.Context, c *Command) error {
	inputsJSON, err := marshalMap(c.Inputs)
	if err != nil {
		return fmt.Errorf("marshalling inputs: %w", err)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device_commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.DeviceID,
		c.GatewayID,
		c.Command,
		inputsJSON,
		string(c.Status),
		c.SourceGatewayID,
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintError(err) {
			return ErrCommandExists
		}
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// UpdateCommandStatus changes a command's status.
func (r *SQLiteRepository) UpdateCommandStatus(ctx context.Context, id string, status CommandStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE device_commands SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("updating command status: %w", err)
	}
	return requireRow(res, ErrCommandNotFound)
}

// ListCommands retrieves every stored command, oldest first.
func (r *SQLiteRepository) ListCommands(ctx context.Context) ([]Command, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+commandColumns+` FROM device_commands ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		var c Command
		var inputsJSON, status, createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.GatewayID, &c.Command, &inputsJSON,
			&status, &c.SourceGatewayID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		c.Status = CommandStatus(status)
		if err := sonic.ConfigStd.UnmarshalFromString(inputsJSON, &c.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshalling inputs: %w", err)
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return cmds, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var statusJSON, createdAt, updatedAt string
	var statusAt sql.NullString

	if err := scanner.Scan(&d.ID, &d.GatewayID, &d.Label, &d.Type, &statusJSON,
		&statusAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if statusAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, statusAt.String); err == nil {
			d.StatusAt = &t
		}
	}

	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if err := sonic.ConfigStd.UnmarshalFromString(statusJSON, &d.Status); err != nil {
		return nil, fmt.Errorf("unmarshalling status: %w", err)
	}
	return &d, nil
}

func marshalMap[M ~map[string]any](m M) (string, error) {
	if m == nil {
		return "{}", nil
	}
	return sonic.ConfigStd.MarshalToString(m)
}

// nullableTime returns a sql.NullString for optional time pointers.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// isConstraintError reports a primary key or unique constraint violation.
func isConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
