// Package pgstore implements the store interfaces on PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devicehive/notifyhub/pkg/model"
	"github.com/devicehive/notifyhub/pkg/store"
)

// Store is a PostgreSQL-backed notification store and device directory.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to the database at dsn.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger.With("component", "pgstore")}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Insert implements store.NotificationStore.
func (s *Store) Insert(ctx context.Context, n *model.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	payload, err := encodePayload(n.Payload)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
INSERT INTO notifications (device_id, name, payload)
VALUES ($1, $2, $3)
RETURNING id, ts`, n.DeviceID, n.Name, payload).Scan(&n.ID, &n.Timestamp)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	n.Timestamp = n.Timestamp.UTC()
	return nil
}

// QueryMatching implements store.NotificationStore.
func (s *Store) QueryMatching(ctx context.Context, q store.Query) ([]model.Notification, error) {
	sql, args := buildQuery(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			n       model.Notification
			payload []byte
		)
		if err := rows.Scan(&n.ID, &n.DeviceID, &n.Name, &payload, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %d: %w", n.ID, err)
			}
		}
		n.Timestamp = n.Timestamp.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// buildQuery renders the catch-up query for q.
func buildQuery(q store.Query) (string, []any) {
	sql := `SELECT id, device_id, name, payload, ts FROM notifications WHERE true`
	var args []any
	if len(q.DeviceIDs) > 0 {
		args = append(args, q.DeviceIDs)
		sql += fmt.Sprintf(" AND device_id = ANY($%d)", len(args))
	}
	if len(q.Names) > 0 {
		args = append(args, q.Names)
		sql += fmt.Sprintf(" AND name = ANY($%d)", len(args))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		sql += fmt.Sprintf(" AND ts > $%d", len(args))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultQueryLimit
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY ts, id LIMIT $%d", len(args))
	return sql, args
}

// PutDevice implements store.DeviceDirectory.
func (s *Store) PutDevice(ctx context.Context, d model.Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO devices (id, name, network_id, blocked) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, network_id=EXCLUDED.network_id, blocked=EXCLUDED.blocked`,
		d.ID, d.Name, d.NetworkID, d.Blocked)
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// GetDevice implements store.DeviceDirectory.
func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	d := model.Device{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT name, network_id, blocked FROM devices WHERE id=$1`, id).
		Scan(&d.Name, &d.NetworkID, &d.Blocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// DevicesInNetworks implements store.DeviceDirectory.
func (s *Store) DevicesInNetworks(ctx context.Context, networkIDs []int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM devices WHERE network_id = ANY($1) ORDER BY id`, networkIDs)
	if err != nil {
		return nil, fmt.Errorf("devices in networks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("devices in networks: %w", err)
	}
	return ids, nil
}

func encodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

var (
	_ store.NotificationStore = (*Store)(nil)
	_ store.DeviceDirectory   = (*Store)(nil)
)
