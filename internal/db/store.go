package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/worldtrack/internal/origin"
	"github.com/banshee-data/worldtrack/internal/scene"
	"github.com/banshee-data/worldtrack/internal/spatial"
	"github.com/banshee-data/worldtrack/internal/timeutil"
	"github.com/banshee-data/worldtrack/internal/tracking"
	"github.com/google/uuid"
)

// ObjectRecord is a journalled tracked object.
type ObjectRecord struct {
	ObjectID       string            `json:"object_id"`
	RunID          string            `json:"run_id"`
	MarkerID       int               `json:"marker_id"`
	Tag            int               `json:"tag"`
	OriginEpoch    uint64            `json:"origin_epoch"`
	X              float64           `json:"x"`
	Y              float64           `json:"y"`
	Z              float64           `json:"z"`
	WorldTransform spatial.Transform `json:"world_transform"`
	Updates        int               `json:"updates"`
	FirstSeen      time.Time         `json:"first_seen"`
	LastSeen       time.Time         `json:"last_seen"`
}

// TransformRecord is one entry of an object's transform history.
type TransformRecord struct {
	ObjectID       string            `json:"object_id"`
	OriginEpoch    uint64            `json:"origin_epoch"`
	WorldTransform spatial.Transform `json:"world_transform"`
	RecordedAt     time.Time         `json:"recorded_at"`
}

// ObjectStore journals tracked objects and relocalizations for one run of
// the tracker. It is a scene.Sink and an origin.Observer; write failures
// are logged and never reach the pipeline.
type ObjectStore struct {
	db    *DB
	runID string
	clock timeutil.Clock
}

// NewObjectStore creates a store with a fresh run id.
func NewObjectStore(db *DB, clock timeutil.Clock) *ObjectStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ObjectStore{
		db:    db,
		runID: fmt.Sprintf("run_%s", uuid.NewString()),
		clock: clock,
	}
}

// RunID identifies this run's rows.
func (s *ObjectStore) RunID() string {
	return s.runID
}

// AddObject implements scene.Sink.
func (s *ObjectStore) AddObject(obj tracking.TrackedObject) {
	if err := s.RecordObject(context.Background(), obj); err != nil {
		opsf("record object %s: %v", obj.ObjectID, err)
	}
}

// SetWorldTransform implements scene.Sink.
func (s *ObjectStore) SetWorldTransform(obj tracking.TrackedObject, t spatial.Transform) {
	if err := s.RecordTransform(context.Background(), obj, t); err != nil {
		opsf("record transform %s: %v", obj.ObjectID, err)
	}
}

// OriginRelocalized implements origin.Observer.
func (s *ObjectStore) OriginRelocalized(ev origin.Event) {
	if err := s.RecordRelocalization(context.Background(), ev); err != nil {
		opsf("record relocalization %d: %v", ev.Epoch, err)
	}
}

// RecordObject inserts a newly created object.
func (s *ObjectStore) RecordObject(ctx context.Context, obj tracking.TrackedObject) error {
	tj, err := json.Marshal(obj.WorldTransform)
	if err != nil {
		return err
	}
	p := obj.WorldTransform.Position()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tracked_objects (
			object_id, run_id, marker_id, tag, origin_epoch, x, y, z,
			transform_json, updates, first_seen_unix_nanos, last_seen_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.ObjectID, s.runID, obj.MarkerID, obj.Tag, int64(obj.OriginEpoch), p.X, p.Y, p.Z,
		string(tj), obj.Updates, obj.FirstSeen.UnixNano(), obj.LastSeen.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert tracked object: %w", err)
	}
	diagf("journalled %s (marker %d)", obj.ObjectID, obj.MarkerID)
	return nil
}

// RecordTransform updates the object's current transform and appends it to
// the history.
func (s *ObjectStore) RecordTransform(ctx context.Context, obj tracking.TrackedObject, t spatial.Transform) error {
	tj, err := json.Marshal(t)
	if err != nil {
		return err
	}
	p := t.Position()
	now := s.clock.Now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tracked_objects
		SET origin_epoch = ?, x = ?, y = ?, z = ?, transform_json = ?,
			updates = ?, last_seen_unix_nanos = ?
		WHERE object_id = ?`,
		int64(obj.OriginEpoch), p.X, p.Y, p.Z, string(tj), obj.Updates, obj.LastSeen.UnixNano(), obj.ObjectID,
	)
	if err != nil {
		return fmt.Errorf("update tracked object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tracked object %s not journalled", obj.ObjectID)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO object_transforms (object_id, origin_epoch, x, y, z, transform_json, recorded_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		obj.ObjectID, int64(obj.OriginEpoch), p.X, p.Y, p.Z, string(tj), now,
	); err != nil {
		return fmt.Errorf("insert transform history: %w", err)
	}
	return tx.Commit()
}

// RecordRelocalization journals a relocalization event.
func (s *ObjectStore) RecordRelocalization(ctx context.Context, ev origin.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relocalizations (run_id, epoch, reason, marker_id, at_unix_nanos)
		VALUES (?, ?, ?, ?, ?)`,
		s.runID, int64(ev.Epoch), string(ev.Reason), ev.MarkerID, ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert relocalization: %w", err)
	}
	return nil
}

// ListObjects returns this run's objects ordered by marker id.
func (s *ObjectStore) ListObjects(ctx context.Context) ([]ObjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, run_id, marker_id, tag, origin_epoch, x, y, z,
			transform_json, updates, first_seen_unix_nanos, last_seen_unix_nanos
		FROM tracked_objects
		WHERE run_id = ?
		ORDER BY marker_id`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ObjectRecord
	for rows.Next() {
		var (
			r               ObjectRecord
			epoch           int64
			tj              string
			first, lastSeen int64
		)
		if err := rows.Scan(&r.ObjectID, &r.RunID, &r.MarkerID, &r.Tag, &epoch, &r.X, &r.Y, &r.Z,
			&tj, &r.Updates, &first, &lastSeen); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tj), &r.WorldTransform); err != nil {
			return nil, fmt.Errorf("decode transform of %s: %w", r.ObjectID, err)
		}
		r.OriginEpoch = uint64(epoch)
		r.FirstSeen = time.Unix(0, first).UTC()
		r.LastSeen = time.Unix(0, lastSeen).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransformHistory returns up to limit of the most recent transforms of
// objectID, newest first.
func (s *ObjectStore) TransformHistory(ctx context.Context, objectID string, limit int) ([]TransformRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, origin_epoch, transform_json, recorded_unix_nanos
		FROM object_transforms
		WHERE object_id = ?
		ORDER BY id DESC
		LIMIT ?`, objectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransformRecord
	for rows.Next() {
		var (
			r     TransformRecord
			epoch int64
			tj    string
			at    int64
		)
		if err := rows.Scan(&r.ObjectID, &epoch, &tj, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tj), &r.WorldTransform); err != nil {
			return nil, err
		}
		r.OriginEpoch = uint64(epoch)
		r.RecordedAt = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRelocalizations returns this run's relocalizations, oldest first.
func (s *ObjectStore) ListRelocalizations(ctx context.Context) ([]origin.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, reason, marker_id, at_unix_nanos
		FROM relocalizations
		WHERE run_id = ?
		ORDER BY epoch`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []origin.Event
	for rows.Next() {
		var (
			ev     origin.Event
			epoch  int64
			reason string
			at     int64
		)
		if err := rows.Scan(&epoch, &reason, &ev.MarkerID, &at); err != nil {
			return nil, err
		}
		ev.Epoch = uint64(epoch)
		ev.Reason = origin.Reason(reason)
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountRuns returns the number of distinct runs journalled.
func (s *ObjectStore) CountRuns(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT run_id) FROM tracked_objects`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

var (
	_ scene.Sink      = (*ObjectStore)(nil)
	_ origin.Observer = (*ObjectStore)(nil)
)
