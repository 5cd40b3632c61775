package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/identity"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/planner"
)

// BulkItem is one metric's plan plus the device natural key it belongs
// to, staged for set-based application.
type BulkItem struct {
	Device     DeviceNaturalKey
	DevicePlan planner.DevicePlan
	MetricPlan planner.MetricPlan
	Properties []planner.PropertyPlan
}

// ApplyBulk applies many metric plans from a single birth frame in one
// transaction using temp-table staging and set-based upserts, so a
// thousand-metric NBIRTH costs one round trip of planning instead of a
// thousand. Per-row outcome counts are not tracked at this granularity;
// callers that need them should use ApplyPlan.
func (r *Repository) ApplyBulk(ctx context.Context, items []BulkItem, changedBy string) error {
	if len(items) == 0 {
		return nil
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE staged_metrics (
				device_group text, device_edge text, device_name text,
				metric_name text, uns_path text, canary_id text, datatype text
			) ON COMMIT DROP`); err != nil {
			return err
		}

		rows := make([][]any, 0, len(items))
		for _, it := range items {
			canaryID := identity.ToCanaryID(it.MetricPlan.Fields.UNSPath, r.includeChecksum)
			rows = append(rows, []any{
				it.Device.GroupID, it.Device.Edge, it.Device.Device,
				it.MetricPlan.Fields.Name, it.MetricPlan.Fields.UNSPath, canaryID, it.MetricPlan.Fields.Datatype,
			})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"staged_metrics"},
			[]string{"device_group", "device_edge", "device_name", "metric_name", "uns_path", "canary_id", "datatype"},
			pgx.CopyFromRows(rows)); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO devices (group_id, edge, device, uns_path, created_at, updated_at)
			SELECT DISTINCT device_group, device_edge, device_name, device_group || '/' || device_edge || '/' || device_name, now(), now()
			FROM staged_metrics s
			ON CONFLICT (group_id, edge, device) DO NOTHING`); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO metrics (device_key, name, uns_path, canary_id, datatype, created_at, updated_at)
			SELECT d.device_key, s.metric_name, s.uns_path, s.canary_id, s.datatype, now(), now()
			FROM staged_metrics s
			JOIN devices d ON d.group_id = s.device_group AND d.edge = s.device_edge AND d.device = s.device_name
			ON CONFLICT (device_key, name) DO UPDATE SET
				uns_path = EXCLUDED.uns_path,
				canary_id = EXCLUDED.canary_id,
				datatype = EXCLUDED.datatype,
				updated_at = now()
			WHERE metrics.uns_path IS DISTINCT FROM EXCLUDED.uns_path
			   OR metrics.datatype IS DISTINCT FROM EXCLUDED.datatype`); err != nil {
			return err
		}

		for _, it := range items {
			metricKey, err := bulkMetricKey(ctx, tx, it.Device, it.MetricPlan.Fields.Name)
			if err != nil {
				return err
			}
			var out Outcome
			if err := applyProperties(ctx, tx, metricKey, it.Properties, &out); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}

func bulkMetricKey(ctx context.Context, tx pgx.Tx, device DeviceNaturalKey, metricName string) (int64, error) {
	var key int64
	row := tx.QueryRow(ctx, `
		SELECT m.metric_key FROM metrics m
		JOIN devices d ON d.device_key = m.device_key
		WHERE d.group_id=$1 AND d.edge=$2 AND d.device=$3 AND m.name=$4`,
		device.GroupID, device.Edge, device.Device, metricName)
	err := row.Scan(&key)
	return key, err
}
