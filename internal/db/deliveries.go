package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"
)

// DeliveryRow is the newest change-set version acknowledged by the collector
// for one (resource, definition)
type DeliveryRow struct {
	ResourceID  string
	Definition  string
	Version     int
	Category    string
	RequestID   string
	DeliveredAt time.Time
}

// MarkDelivered records version as delivered. A lower version never
// overwrites a higher one, so out-of-order acknowledgements are harmless.
func (d *DB) MarkDelivered(ctx context.Context, r DeliveryRow) error {
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO deliveries (resource_id, definition, version, category, request_id, delivered_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(resource_id, definition) DO UPDATE SET
  version=excluded.version,
  category=excluded.category,
  request_id=excluded.request_id,
  delivered_at=excluded.delivered_at
WHERE excluded.version >= deliveries.version
`, r.ResourceID, r.Definition, r.Version, r.Category, r.RequestID, r.DeliveredAt.UnixMilli())
	return err
}

// LastDelivered returns the newest delivered version. ok is false when
// nothing was delivered yet.
func (d *DB) LastDelivered(ctx context.Context, resourceID, definition string) (row DeliveryRow, ok bool, err error) {
	var ts sqlNullTime
	err = d.sql.QueryRowContext(ctx, `
SELECT resource_id, definition, version, category, request_id, delivered_at
FROM deliveries WHERE resource_id=? AND definition=?
`, resourceID, definition).Scan(&row.ResourceID, &row.Definition, &row.Version, &row.Category, &row.RequestID, &ts)
	if stderrors.Is(err, sql.ErrNoRows) {
		return DeliveryRow{}, false, nil
	}
	if err != nil {
		return DeliveryRow{}, false, err
	}
	row.DeliveredAt = ts.Time
	return row, true, nil
}

// ListDeliveries returns every ledger row, ordered by resource and definition
func (d *DB) ListDeliveries(ctx context.Context) ([]DeliveryRow, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT resource_id, definition, version, category, request_id, delivered_at
FROM deliveries ORDER BY resource_id, definition
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryRow
	for rows.Next() {
		var r DeliveryRow
		var ts sqlNullTime
		if err := rows.Scan(&r.ResourceID, &r.Definition, &r.Version, &r.Category, &r.RequestID, &ts); err != nil {
			return nil, err
		}
		r.DeliveredAt = ts.Time
		out = append(out, r)
	}
	return out, rows.Err()
}

// ForgetDelivery drops the ledger rows of a purged definition
func (d *DB) ForgetDelivery(ctx context.Context, resourceID, definition string) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE resource_id=? AND definition=?`, resourceID, definition); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rejections WHERE resource_id=? AND definition=?`, resourceID, definition); err != nil {
		return err
	}
	return tx.Commit()
}

// ForgetResource drops every ledger row of a decommissioned resource
func (d *DB) ForgetResource(ctx context.Context, resourceID string) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE resource_id=?`, resourceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM content_requests WHERE resource_id=?`, resourceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rejections WHERE resource_id=?`, resourceID); err != nil {
		return err
	}
	return tx.Commit()
}

// RejectionRow is a change-set version the collector refused for good
type RejectionRow struct {
	ResourceID string
	Definition string
	Version    int
	RequestID  string
	Reason     string
	RejectedAt time.Time
}

// RecordRejection parks a change-set version so it is not sent again
func (d *DB) RecordRejection(ctx context.Context, r RejectionRow) error {
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO rejections (resource_id, definition, version, request_id, reason, rejected_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(resource_id, definition, version) DO UPDATE SET
  request_id=excluded.request_id,
  reason=excluded.reason,
  rejected_at=excluded.rejected_at
`, r.ResourceID, r.Definition, r.Version, r.RequestID, r.Reason, r.RejectedAt.UnixMilli())
	return err
}

// RejectedVersions returns the parked versions of a definition, ascending
func (d *DB) RejectedVersions(ctx context.Context, resourceID, definition string) ([]int, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT version FROM rejections WHERE resource_id=? AND definition=? ORDER BY version
`, resourceID, definition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ContentRequestRow logs one answered content pull
type ContentRequestRow struct {
	RequestID  string
	ResourceID string
	Requested  int
	Supplied   int
	Missing    []string
	Status     string
	CreatedAt  time.Time
}

// RecordContentRequest stores the outcome of a content pull
func (d *DB) RecordContentRequest(ctx context.Context, r ContentRequestRow) error {
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO content_requests (request_id, resource_id, requested, supplied, missing, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
  supplied=excluded.supplied,
  missing=excluded.missing,
  status=excluded.status
`, r.RequestID, r.ResourceID, r.Requested, r.Supplied, strings.Join(r.Missing, ","), r.Status, r.CreatedAt.UnixMilli())
	return err
}

// ListContentRequests returns the newest content pulls of a resource first
func (d *DB) ListContentRequests(ctx context.Context, resourceID string, limit int) ([]ContentRequestRow, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT request_id, resource_id, requested, supplied, missing, status, created_at
FROM content_requests WHERE resource_id=? ORDER BY created_at DESC LIMIT ?
`, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ContentRequestRow
	for rows.Next() {
		var r ContentRequestRow
		var missing string
		var ts sqlNullTime
		if err := rows.Scan(&r.RequestID, &r.ResourceID, &r.Requested, &r.Supplied, &missing, &r.Status, &ts); err != nil {
			return nil, err
		}
		if missing != "" {
			r.Missing = strings.Split(missing, ",")
		}
		r.CreatedAt = ts.Time
		out = append(out, r)
	}
	return out, rows.Err()
}
