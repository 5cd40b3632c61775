// Package repository implements the metadata repository (C5): transactional,
// idempotent writes to the relational store, with a per-row path for
// steady-state traffic and a staged bulk path for high-fan-out births.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/identity"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/planner"
)

// Outcome summarizes the per-row effect of ApplyPlan.
type Outcome struct {
	Inserted int
	Updated  int
	NoOp     int
}

// Repository is the C5 metadata repository over a pgx connection pool.
type Repository struct {
	pool            *pgxpool.Pool
	includeChecksum bool
	log             interface {
		Warnw(string, ...any)
		Errorw(string, ...any)
	}
}

func New(pool *pgxpool.Pool, includeChecksum bool) *Repository {
	return &Repository{pool: pool, includeChecksum: includeChecksum, log: logger.For(logger.ComponentRepository)}
}

// SnapshotDevice returns the current device row for the natural key, or
// nil if no such device has been seen yet.
func (r *Repository) SnapshotDevice(ctx context.Context, groupID, edge, device string) (*model.Device, error) {
	var d model.Device
	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx, `
			SELECT device_key, group_id, country, business_unit, plant, edge, device, uns_path, created_at, updated_at
			FROM devices WHERE group_id = $1 AND edge = $2 AND device = $3`,
			groupID, edge, device)
		return row.Scan(&d.DeviceKey, &d.GroupID, &d.Country, &d.BusinessUnit, &d.Plant, &d.Edge, &d.DeviceName, &d.UNSPath, &d.CreatedAt, &d.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError(err, groupID+"/"+edge+"/"+device)
	}
	return &d, nil
}

// SnapshotMetric returns the current metric row and its properties, or
// nil if no such metric has been seen yet on this device.
func (r *Repository) SnapshotMetric(ctx context.Context, deviceKey int64, name string) (*model.Metric, map[string]model.MetricProperty, error) {
	var m model.Metric
	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx, `
			SELECT metric_key, device_key, name, uns_path, canary_id, datatype, created_at, updated_at
			FROM metrics WHERE device_key = $1 AND name = $2`, deviceKey, name)
		return row.Scan(&m.MetricKey, &m.DeviceKey, &m.Name, &m.UNSPath, &m.CanaryID, &m.Datatype, &m.CreatedAt, &m.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, wrapDBError(err, name)
	}

	props := map[string]model.MetricProperty{}
	err = r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT key, type, value_int, value_long, value_float, value_double, value_string, value_bool, updated_at
			FROM metric_properties WHERE metric_key = $1`, m.MetricKey)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key, typ string
			var vInt, vLong *int64
			var vFloat *float32
			var vDouble *float64
			var vString *string
			var vBool *bool
			var updatedAt time.Time
			if err := rows.Scan(&key, &typ, &vInt, &vLong, &vFloat, &vDouble, &vString, &vBool, &updatedAt); err != nil {
				return err
			}
			props[key] = model.MetricProperty{
				MetricKey: m.MetricKey,
				Key:       key,
				Value:     propertyValueFromColumns(model.PropertyType(typ), vInt, vLong, vFloat, vDouble, vString, vBool),
				UpdatedAt: updatedAt,
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, wrapDBError(err, name)
	}
	return &m, props, nil
}

func propertyValueFromColumns(typ model.PropertyType, vInt, vLong *int64, vFloat *float32, vDouble *float64, vString *string, vBool *bool) model.PropertyValue {
	v := model.PropertyValue{Type: typ}
	switch typ {
	case model.PropertyInt:
		if vInt != nil {
			v.IntValue = *vInt
		}
	case model.PropertyLong:
		if vLong != nil {
			v.LongValue = *vLong
		}
	case model.PropertyFloat:
		if vFloat != nil {
			v.FloatValue = *vFloat
		}
	case model.PropertyDouble:
		if vDouble != nil {
			v.DoubleValue = *vDouble
		}
	case model.PropertyString:
		if vString != nil {
			v.StringValue = *vString
		}
	case model.PropertyBoolean:
		if vBool != nil {
			v.BoolValue = *vBool
		}
	}
	return v
}

// MetricByKey resolves the canary id and UNS path for a metric_key, for
// callers (the CDC debounce flush) that only carry the synthetic key
// read off a replicated metric_versions row.
func (r *Repository) MetricByKey(ctx context.Context, metricKey int64) (canaryID, unsPath string, err error) {
	err = r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx, `SELECT canary_id, uns_path FROM metrics WHERE metric_key = $1`, metricKey)
		return row.Scan(&canaryID, &unsPath)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", wrapDBError(err, fmt.Sprintf("metric_key=%d", metricKey))
	}
	return canaryID, unsPath, nil
}

// ApplyPlan executes the device, metric, lineage, property, and version
// writes named by plan in a single transaction, returning counts of
// inserted/updated/no-op rows. naturalKey identifies the device row the
// plan targets when Device.Op == DeviceInsert.
func (r *Repository) ApplyPlan(ctx context.Context, plan planner.Plan, naturalKey DeviceNaturalKey, changedBy string) (Outcome, error) {
	var out Outcome

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		deviceKey, err := applyDevice(ctx, tx, plan.Device, naturalKey, &out)
		if err != nil {
			return err
		}

		metricKey, err := applyMetric(ctx, tx, plan.Metric, deviceKey, r.includeChecksum, &out)
		if err != nil {
			return err
		}

		if plan.Metric.Op == planner.MetricRename {
			if _, err := tx.Exec(ctx, `
				INSERT INTO metric_path_lineage (metric_key, old_uns_path, new_uns_path, changed_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (metric_key, old_uns_path, new_uns_path) DO NOTHING`,
				metricKey, plan.Metric.OldPath, plan.Metric.NewPath); err != nil {
				return err
			}
		}

		if err := applyProperties(ctx, tx, metricKey, plan.Properties, &out); err != nil {
			return err
		}

		if plan.Diff != nil {
			diffJSON, err := json.Marshal(plan.Diff)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO metric_versions (metric_key, changed_at, changed_by, diff)
				VALUES ($1, now(), $2, $3)`, metricKey, changedBy, diffJSON); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return Outcome{}, wrapDBError(err, naturalKey.String())
	}
	return out, nil
}

// DeviceNaturalKey identifies a device independent of its synthetic key.
type DeviceNaturalKey struct {
	GroupID string
	Edge    string
	Device  string
}

func (k DeviceNaturalKey) String() string { return k.GroupID + "/" + k.Edge + "/" + k.Device }

func applyDevice(ctx context.Context, tx pgx.Tx, plan planner.DevicePlan, key DeviceNaturalKey, out *Outcome) (int64, error) {
	switch plan.Op {
	case planner.DeviceNoOp:
		var deviceKey int64
		row := tx.QueryRow(ctx, `SELECT device_key FROM devices WHERE group_id=$1 AND edge=$2 AND device=$3`,
			key.GroupID, key.Edge, key.Device)
		if err := row.Scan(&deviceKey); err != nil {
			return 0, err
		}
		out.NoOp++
		return deviceKey, nil
	case planner.DeviceInsert:
		var deviceKey int64
		row := tx.QueryRow(ctx, `
			INSERT INTO devices (group_id, country, business_unit, plant, edge, device, uns_path, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7, now(), now())
			RETURNING device_key`,
			plan.Fields.GroupID, plan.Fields.Country, plan.Fields.BusinessUnit, plan.Fields.Plant, plan.Fields.Edge, plan.Fields.DeviceName, plan.Fields.UNSPath)
		if err := row.Scan(&deviceKey); err != nil {
			return 0, err
		}
		out.Inserted++
		return deviceKey, nil
	case planner.DeviceUpdate:
		var deviceKey int64
		row := tx.QueryRow(ctx, `
			UPDATE devices SET country=$1, business_unit=$2, plant=$3, uns_path=$4, updated_at=now()
			WHERE group_id=$5 AND edge=$6 AND device=$7
			RETURNING device_key`,
			plan.Fields.Country, plan.Fields.BusinessUnit, plan.Fields.Plant, plan.Fields.UNSPath, key.GroupID, key.Edge, key.Device)
		if err := row.Scan(&deviceKey); err != nil {
			return 0, err
		}
		out.Updated++
		return deviceKey, nil
	default:
		return 0, errs.New(errs.KindUnrecoverable, "unknown device op", nil)
	}
}

func applyMetric(ctx context.Context, tx pgx.Tx, plan planner.MetricPlan, deviceKey int64, includeChecksum bool, out *Outcome) (int64, error) {
	switch plan.Op {
	case planner.MetricNoOp:
		var metricKey int64
		row := tx.QueryRow(ctx, `SELECT metric_key FROM metrics WHERE device_key=$1 AND name=$2`, deviceKey, plan.Fields.Name)
		if err := row.Scan(&metricKey); err != nil {
			return 0, err
		}
		out.NoOp++
		return metricKey, nil
	case planner.MetricInsert:
		var metricKey int64
		canaryID := identity.ToCanaryID(plan.Fields.UNSPath, includeChecksum)
		row := tx.QueryRow(ctx, `
			INSERT INTO metrics (device_key, name, uns_path, canary_id, datatype, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5, now(), now())
			RETURNING metric_key`,
			deviceKey, plan.Fields.Name, plan.Fields.UNSPath, canaryID, plan.Fields.Datatype)
		if err := row.Scan(&metricKey); err != nil {
			return 0, err
		}
		out.Inserted++
		return metricKey, nil
	case planner.MetricUpdate:
		var metricKey int64
		row := tx.QueryRow(ctx, `
			UPDATE metrics SET datatype=$1, updated_at=now()
			WHERE device_key=$2 AND name=$3
			RETURNING metric_key`,
			plan.Fields.Datatype, deviceKey, plan.Fields.Name)
		if err := row.Scan(&metricKey); err != nil {
			return 0, err
		}
		out.Updated++
		return metricKey, nil
	case planner.MetricRename:
		var metricKey int64
		canaryID := identity.ToCanaryID(plan.Fields.UNSPath, includeChecksum)
		row := tx.QueryRow(ctx, `
			UPDATE metrics SET uns_path=$1, canary_id=$2, datatype=$3, updated_at=now()
			WHERE device_key=$4 AND name=$5
			RETURNING metric_key`,
			plan.Fields.UNSPath, canaryID, plan.Fields.Datatype, deviceKey, plan.Fields.Name)
		if err := row.Scan(&metricKey); err != nil {
			return 0, err
		}
		out.Updated++
		return metricKey, nil
	default:
		return 0, errs.New(errs.KindUnrecoverable, "unknown metric op", nil)
	}
}

func applyProperties(ctx context.Context, tx pgx.Tx, metricKey int64, plans []planner.PropertyPlan, out *Outcome) error {
	for _, p := range plans {
		switch p.Op {
		case planner.PropertyNoOp:
			out.NoOp++
		case planner.PropertyInsert, planner.PropertyUpdate:
			vInt, vLong, vFloat, vDouble, vString, vBool := columnsFromPropertyValue(p.Value)
			_, err := tx.Exec(ctx, `
				INSERT INTO metric_properties (metric_key, key, type, value_int, value_long, value_float, value_double, value_string, value_bool, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
				ON CONFLICT (metric_key, key) DO UPDATE SET
					type = EXCLUDED.type,
					value_int = EXCLUDED.value_int,
					value_long = EXCLUDED.value_long,
					value_float = EXCLUDED.value_float,
					value_double = EXCLUDED.value_double,
					value_string = EXCLUDED.value_string,
					value_bool = EXCLUDED.value_bool,
					updated_at = now()`,
				metricKey, p.Key, string(p.Value.Type), vInt, vLong, vFloat, vDouble, vString, vBool)
			if err != nil {
				return err
			}
			if p.Op == planner.PropertyInsert {
				out.Inserted++
			} else {
				out.Updated++
			}
		case planner.PropertyDelete:
			if _, err := tx.Exec(ctx, `DELETE FROM metric_properties WHERE metric_key=$1 AND key=$2`, metricKey, p.Key); err != nil {
				return err
			}
			out.Updated++
		}
	}
	return nil
}

func columnsFromPropertyValue(v model.PropertyValue) (vInt, vLong *int64, vFloat *float32, vDouble *float64, vString *string, vBool *bool) {
	switch v.Type {
	case model.PropertyInt:
		x := v.IntValue
		vInt = &x
	case model.PropertyLong:
		x := v.LongValue
		vLong = &x
	case model.PropertyFloat:
		x := v.FloatValue
		vFloat = &x
	case model.PropertyDouble:
		x := v.DoubleValue
		vDouble = &x
	case model.PropertyString:
		x := v.StringValue
		vString = &x
	case model.PropertyBoolean:
		x := v.BoolValue
		vBool = &x
	}
	return
}

// withRetry wraps transient I/O errors with bounded exponential backoff,
// per §4.5's error semantics; constraint violations and other
// non-transient errors are returned immediately without retrying.
func (r *Repository) withRetry(ctx context.Context, fn func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "08000", "08003", "08006", "57P01", "53300":
			return true
		default:
			return false
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func wrapDBError(err error, naturalKey string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514", "23503":
			return errs.New(errs.KindConstraintViolation, naturalKey, err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return errs.New(errs.KindUnrecoverable, naturalKey, err)
}
