package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// GetByTopic retrieves a device by its MQTT topic token.
	// Returns ErrDeviceNotFound if no device uses the topic.
	GetByTopic(ctx context.Context, topic string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// ListByProfile retrieves all devices with a specific profile.
	ListByProfile(ctx context.Context, profile Profile) ([]Device, error)

	// ListByAvailability retrieves all devices in a specific availability state.
	ListByAvailability(ctx context.Context, availability Availability) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same ID already exists.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// UpdateState merges the given state fields into the device's state.
	// This is optimised for frequent updates from the bridge.
	UpdateState(ctx context.Context, id string, state State) error

	// UpdateAvailability updates the availability and last seen timestamp.
	UpdateAvailability(ctx context.Context, id string, availability Availability, lastSeen time.Time) error
}

// deviceColumns is the column list shared by all SELECT queries.
const deviceColumns = `id, name, profile, settings, capabilities,
	capability_options, state, availability, last_seen, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// GetByTopic retrieves a device by its MQTT topic token.
func (r *SQLiteRepository) GetByTopic(ctx context.Context, topic string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE json_extract(settings, '$.mqtt_topic') = ?`

	row := r.db.QueryRowContext(ctx, query, topic)
	device, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by topic: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY name`
	return r.queryDevices(ctx, query)
}

// ListByProfile retrieves all devices with a specific profile.
func (r *SQLiteRepository) ListByProfile(ctx context.Context, profile Profile) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE profile = ? ORDER BY name`
	return r.queryDevices(ctx, query, string(profile))
}

// ListByAvailability retrieves all devices in a specific availability state.
func (r *SQLiteRepository) ListByAvailability(ctx context.Context, availability Availability) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE availability = ? ORDER BY name`
	return r.queryDevices(ctx, query, string(availability))
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	settingsJSON, capsJSON, optsJSON, stateJSON, err := marshalDeviceFields(device)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			id, name, profile, settings, capabilities, capability_options,
			state, availability, last_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		device.ID,
		device.Name,
		string(device.Profile),
		settingsJSON,
		capsJSON,
		optsJSON,
		stateJSON,
		string(device.Availability),
		nullableTime(device.LastSeen),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// Update modifies an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	settingsJSON, capsJSON, optsJSON, stateJSON, err := marshalDeviceFields(device)
	if err != nil {
		return err
	}

	device.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices SET
			name = ?, profile = ?, settings = ?, capabilities = ?,
			capability_options = ?, state = ?, availability = ?,
			last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name,
		string(device.Profile),
		settingsJSON,
		capsJSON,
		optsJSON,
		stateJSON,
		string(device.Availability),
		nullableTime(device.LastSeen),
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	return requireRowsAffected(result)
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRowsAffected(result)
}

// UpdateState merges the given state fields into the device's existing state.
// This allows partial updates (e.g., updating "onoff" without losing
// "measure_power").
func (r *SQLiteRepository) UpdateState(ctx context.Context, id string, state State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	now := time.Now().UTC()
	// json_patch(target, patch) applies patch keys to target, preserving
	// existing keys not present in patch.
	query := `
		UPDATE devices
		SET state = json_patch(COALESCE(state, '{}'), ?),
		    updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(stateJSON),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device state: %w", err)
	}
	return requireRowsAffected(result)
}

// UpdateAvailability updates the availability state and last seen timestamp.
func (r *SQLiteRepository) UpdateAvailability(ctx context.Context, id string, availability Availability, lastSeen time.Time) error {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET availability = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(availability),
		lastSeen.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device availability: %w", err)
	}
	return requireRowsAffected(result)
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// marshalDeviceFields serialises the JSON columns of a device.
func marshalDeviceFields(device *Device) (settings, caps, opts, state string, err error) {
	settingsJSON, err := json.Marshal(device.Settings)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshalling settings: %w", err)
	}

	capsJSON, err := json.Marshal(device.Capabilities)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshalling capabilities: %w", err)
	}

	optsMap := device.CapabilityOptions
	if optsMap == nil {
		optsMap = map[Capability]CapabilityOption{}
	}
	optsJSON, err := json.Marshal(optsMap)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshalling capability_options: %w", err)
	}

	stateMap := device.State
	if stateMap == nil {
		stateMap = State{}
	}
	stateJSON, err := json.Marshal(stateMap)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshalling state: %w", err)
	}

	return string(settingsJSON), string(capsJSON), string(optsJSON), string(stateJSON), nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var profile, availability string
	var settingsJSON, capsJSON, optsJSON, stateJSON string
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&profile,
		&settingsJSON,
		&capsJSON,
		&optsJSON,
		&stateJSON,
		&availability,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Profile = Profile(profile)
	d.Availability = Availability(availability)

	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err == nil {
			d.LastSeen = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(settingsJSON), &d.Settings); err != nil {
		return nil, fmt.Errorf("unmarshalling settings: %w", err)
	}
	if err := json.Unmarshal([]byte(capsJSON), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshalling capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(optsJSON), &d.CapabilityOptions); err != nil {
		return nil, fmt.Errorf("unmarshalling capability_options: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &d.State); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}

	return &d, nil
}

// requireRowsAffected converts a zero-row UPDATE/DELETE into ErrDeviceNotFound.
func requireRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
