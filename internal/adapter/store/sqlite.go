package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL", cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Transaction(ctx context.Context, fn func(tx port.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) exec(query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, fmt.Errorf("%w: %w", port.ErrConflict, err)
		}
		return nil, err
	}
	return res, nil
}

// execOne runs an update that must touch exactly one row.
func (t *sqliteTx) execOne(what string, query string, args ...any) error {
	res, err := t.exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, port.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) DeviceByID(id int64) (furitype.DeviceInfo, error) {
	var info furitype.DeviceInfo
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT id, owner_id, name, is_online FROM devices WHERE id = ?`, id).
		Scan(&info.ID, &info.OwnerID, &info.Name, &info.IsOnline)
	if errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("device %d: %w", id, port.ErrNotFound)
	}
	return info, err
}

func (t *sqliteTx) DeviceSecretHash(id int64) (string, error) {
	var hash string
	err := t.tx.QueryRowContext(t.ctx, `SELECT secret_hash FROM devices WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("device %d: %w", id, port.ErrNotFound)
	}
	return hash, err
}

func (t *sqliteTx) CreateDevice(ownerID int64, name, secretHash string) (furitype.DeviceInfo, error) {
	res, err := t.exec(`INSERT INTO devices (owner_id, name, secret_hash) VALUES (?, ?, ?)`, ownerID, name, secretHash)
	if err != nil {
		return furitype.DeviceInfo{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return furitype.DeviceInfo{}, err
	}
	return furitype.DeviceInfo{ID: id, OwnerID: ownerID, Name: name}, nil
}

func (t *sqliteTx) RenameDevice(id int64, name string) error {
	return t.execOne(fmt.Sprintf("device %d", id), `UPDATE devices SET name = ? WHERE id = ?`, name, id)
}

func (t *sqliteTx) ListDevices() ([]furitype.DeviceInfo, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT id, owner_id, name, is_online FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []furitype.DeviceInfo{}
	for rows.Next() {
		var info furitype.DeviceInfo
		if err := rows.Scan(&info.ID, &info.OwnerID, &info.Name, &info.IsOnline); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (t *sqliteTx) SetDeviceOnline(id int64, online bool) error {
	return t.execOne(fmt.Sprintf("device %d", id), `UPDATE devices SET is_online = ? WHERE id = ?`, online, id)
}

func (t *sqliteTx) Descriptor(id int64) (furitype.DeviceDescriptor, error) {
	info, err := t.DeviceByID(id)
	if err != nil {
		return furitype.DeviceDescriptor{}, err
	}
	desc := furitype.DeviceDescriptor{
		DeviceInfo: info,
		Sensors:    []furitype.SensorInfo{},
		Controls:   []furitype.ControlInfo{},
	}

	sensorRows, err := t.tx.QueryContext(t.ctx,
		`SELECT id, device_id, name, value, last_updated FROM sensors WHERE device_id = ? ORDER BY id`, id)
	if err != nil {
		return desc, err
	}
	defer sensorRows.Close()
	for sensorRows.Next() {
		var s furitype.SensorInfo
		var lastUpdated sql.NullInt64
		if err := sensorRows.Scan(&s.ID, &s.DeviceID, &s.Name, &s.Value, &lastUpdated); err != nil {
			return desc, err
		}
		s.LastUpdated = nullTime(lastUpdated)
		desc.Sensors = append(desc.Sensors, s)
	}
	if err := sensorRows.Err(); err != nil {
		return desc, err
	}

	controlRows, err := t.tx.QueryContext(t.ctx,
		`SELECT id, device_id, name, pressed, last_unpress FROM controls WHERE device_id = ? ORDER BY id`, id)
	if err != nil {
		return desc, err
	}
	defer controlRows.Close()
	for controlRows.Next() {
		var c furitype.ControlInfo
		var lastUnpress sql.NullInt64
		if err := controlRows.Scan(&c.ID, &c.DeviceID, &c.Name, &c.Pressed, &lastUnpress); err != nil {
			return desc, err
		}
		c.LastUnpress = nullTime(lastUnpress)
		desc.Controls = append(desc.Controls, c)
	}
	return desc, controlRows.Err()
}

func (t *sqliteTx) CreateSensor(deviceID int64, name, value string) (furitype.SensorInfo, error) {
	if _, err := t.DeviceByID(deviceID); err != nil {
		return furitype.SensorInfo{}, err
	}
	res, err := t.exec(`INSERT INTO sensors (device_id, name, value) VALUES (?, ?, ?)`, deviceID, name, value)
	if err != nil {
		return furitype.SensorInfo{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return furitype.SensorInfo{}, err
	}
	return furitype.SensorInfo{ID: id, DeviceID: deviceID, Name: name, Value: value}, nil
}

func (t *sqliteTx) RenameSensor(deviceID, sensorID int64, name string) error {
	return t.execOne(fmt.Sprintf("sensor %d", sensorID),
		`UPDATE sensors SET name = ? WHERE id = ? AND device_id = ?`, name, sensorID, deviceID)
}

func (t *sqliteTx) DeleteSensor(deviceID, sensorID int64) error {
	return t.execOne(fmt.Sprintf("sensor %d", sensorID),
		`DELETE FROM sensors WHERE id = ? AND device_id = ?`, sensorID, deviceID)
}

func (t *sqliteTx) SetSensorValue(deviceID, sensorID int64, value string, at time.Time) error {
	return t.execOne(fmt.Sprintf("sensor %d", sensorID),
		`UPDATE sensors SET value = ?, last_updated = ? WHERE id = ? AND device_id = ?`, value, at.Unix(), sensorID, deviceID)
}

func (t *sqliteTx) CreateControl(deviceID int64, name string) (furitype.ControlInfo, error) {
	if _, err := t.DeviceByID(deviceID); err != nil {
		return furitype.ControlInfo{}, err
	}
	res, err := t.exec(`INSERT INTO controls (device_id, name) VALUES (?, ?)`, deviceID, name)
	if err != nil {
		return furitype.ControlInfo{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return furitype.ControlInfo{}, err
	}
	return furitype.ControlInfo{ID: id, DeviceID: deviceID, Name: name}, nil
}

func (t *sqliteTx) RenameControl(deviceID, controlID int64, name string) error {
	return t.execOne(fmt.Sprintf("control %d", controlID),
		`UPDATE controls SET name = ? WHERE id = ? AND device_id = ?`, name, controlID, deviceID)
}

func (t *sqliteTx) DeleteControl(deviceID, controlID int64) error {
	return t.execOne(fmt.Sprintf("control %d", controlID),
		`DELETE FROM controls WHERE id = ? AND device_id = ?`, controlID, deviceID)
}

func (t *sqliteTx) PressControl(deviceID, controlID int64) error {
	var pressed bool
	err := t.tx.QueryRowContext(t.ctx, `SELECT pressed FROM controls WHERE id = ? AND device_id = ?`, controlID, deviceID).Scan(&pressed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("control %d: %w", controlID, port.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if pressed {
		return fmt.Errorf("control %d already pressed: %w", controlID, port.ErrConflict)
	}
	return t.execOne(fmt.Sprintf("control %d", controlID),
		`UPDATE controls SET pressed = 1 WHERE id = ? AND device_id = ?`, controlID, deviceID)
}

func (t *sqliteTx) UnpressControl(deviceID, controlID int64, at time.Time) error {
	return t.execOne(fmt.Sprintf("control %d", controlID),
		`UPDATE controls SET pressed = 0, last_unpress = ? WHERE id = ? AND device_id = ?`, at.Unix(), controlID, deviceID)
}

func (t *sqliteTx) ClearLastUnpress(deviceID, controlID int64) error {
	return t.execOne(fmt.Sprintf("control %d", controlID),
		`UPDATE controls SET last_unpress = NULL WHERE id = ? AND device_id = ?`, controlID, deviceID)
}

func nullTime(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	ts := v.Int64
	return &ts
}
