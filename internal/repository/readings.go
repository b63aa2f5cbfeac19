package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

// Readings are stamped in unix milliseconds so range scans order correctly.

// SaveReading appends one reading to the tank's history.
func (r *Repository) SaveReading(ctx context.Context, tankID int64, rd logic.Reading) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO readings (tank_id, sensor_id, temperature, humidity, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		tankID, rd.SensorID, rd.Temperature, nullFloat(rd.Humidity), rd.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("save reading for tank %d: %w", tankID, err)
	}
	return nil
}

// ReadingHistory returns up to limit readings for a tank taken at or after
// since, newest first.
func (r *Repository) ReadingHistory(ctx context.Context, tankID int64, since time.Time, limit int) ([]logic.Reading, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sensor_id, temperature, humidity, recorded_at
		FROM readings
		WHERE tank_id = ? AND recorded_at >= ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, tankID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []logic.Reading
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		rd.TankID = tankID
		out = append(out, rd)
	}
	return out, rows.Err()
}

// LatestReading returns the newest reading for a tank. ok is false when the
// tank has none.
func (r *Repository) LatestReading(ctx context.Context, tankID int64) (rd logic.Reading, ok bool, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sensor_id, temperature, humidity, recorded_at
		FROM readings
		WHERE tank_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`, tankID)
	rd, err = scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return logic.Reading{}, false, nil
	}
	if err != nil {
		return logic.Reading{}, false, err
	}
	rd.TankID = tankID
	return rd, true, nil
}

// PruneReadings deletes readings taken before cutoff and reports how many.
func (r *Repository) PruneReadings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM readings WHERE recorded_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(sc scanner) (logic.Reading, error) {
	var rd logic.Reading
	var hum sql.NullFloat64
	var ms int64
	if err := sc.Scan(&rd.SensorID, &rd.Temperature, &hum, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rd, err
		}
		return rd, fmt.Errorf("scan reading: %w", err)
	}
	rd.Humidity = floatPtr(hum)
	rd.Timestamp = time.UnixMilli(ms).UTC()
	return rd, nil
}
