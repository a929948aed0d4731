// Package store keeps a SQLite log of tower observations and analysis results
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tower-locator/internal/advisor"
	"tower-locator/internal/environment"
	"tower-locator/internal/tower"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a tower has never been observed
var ErrNotFound = errors.New("not found")

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// Store persists observations and analyses in SQLite
type Store struct {
	sqlDB *sql.DB
}

// TowerRecord is the latest observation of a tower plus its sighting history
type TowerRecord struct {
	tower.Observation
	FirstSeen time.Time
	Sightings int
}

// MarshalJSON nests the observation next to the sighting history
func (r TowerRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Observation tower.Observation `json:"observation"`
		FirstSeen   int64             `json:"firstSeen"`
		Sightings   int               `json:"sightings"`
	}{r.Observation, r.FirstSeen.UnixMilli(), r.Sightings})
}

// AnalysisRecord is one stored analysis summary
type AnalysisRecord struct {
	ID                 int64           `json:"id"`
	RecordedAt         time.Time       `json:"recordedAt"`
	OptimalBearing     float64         `json:"optimalBearing"`
	SignalToNoiseRatio float64         `json:"signalToNoiseRatio"`
	InterferenceLevel  float64         `json:"interferenceLevel"`
	EnvironmentQuality float64         `json:"environmentQuality"`
	TowerCount         int             `json:"towerCount"`
	QualityTier        advisor.Quality `json:"qualityTier"`
	Report             json.RawMessage `json:"report"`
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens or creates the database at path and applies the schema
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == MemoryPath {
		// Every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the database handle
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const upsertObservation = `
INSERT INTO observations (tower_id, bearing, distance, confidence, signal_strength, frequency_mhz, is_serving, observed_at, first_seen_at, sightings)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT (tower_id) DO UPDATE SET
    bearing         = CASE WHEN excluded.observed_at >= observations.observed_at THEN excluded.bearing ELSE observations.bearing END,
    distance        = CASE WHEN excluded.observed_at >= observations.observed_at THEN excluded.distance ELSE observations.distance END,
    confidence      = CASE WHEN excluded.observed_at >= observations.observed_at THEN excluded.confidence ELSE observations.confidence END,
    signal_strength = CASE WHEN excluded.observed_at >= observations.observed_at THEN excluded.signal_strength ELSE observations.signal_strength END,
    frequency_mhz   = CASE WHEN excluded.observed_at >= observations.observed_at THEN excluded.frequency_mhz ELSE observations.frequency_mhz END,
    is_serving      = CASE WHEN excluded.observed_at >= observations.observed_at THEN excluded.is_serving ELSE observations.is_serving END,
    observed_at     = MAX(excluded.observed_at, observations.observed_at),
    first_seen_at   = MIN(excluded.first_seen_at, observations.first_seen_at),
    sightings       = observations.sightings + 1`

// SaveObservations upserts observations by tower id; the newest observation wins
func (s *Store) SaveObservations(ctx context.Context, observations []tower.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(observations) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertObservation)
	if err != nil {
		return fmt.Errorf("prepare observation upsert: %w", err)
	}
	defer stmt.Close()

	for _, o := range observations {
		ts := toMillis(o.Timestamp)
		if _, err := stmt.ExecContext(ctx,
			o.TowerID, o.Bearing, o.Distance, o.Confidence, o.SignalStrength, o.FrequencyMHz,
			boolToInt(o.IsServing), ts, ts,
		); err != nil {
			return fmt.Errorf("upsert tower %d: %w", o.TowerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit observations: %w", err)
	}
	return nil
}

const selectTower = `SELECT tower_id, bearing, distance, confidence, signal_strength, frequency_mhz, is_serving, observed_at, first_seen_at, sightings FROM observations`

// Towers returns every known tower, strongest first
func (s *Store) Towers(ctx context.Context) ([]TowerRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, selectTower+` ORDER BY signal_strength DESC, tower_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query towers: %w", err)
	}
	defer rows.Close()

	var records []TowerRecord
	for rows.Next() {
		rec, err := scanTower(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate towers: %w", err)
	}
	return records, nil
}

// Tower returns one tower by id
func (s *Store) Tower(ctx context.Context, id int64) (TowerRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, selectTower+` WHERE tower_id = ?`, id)
	rec, err := scanTower(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TowerRecord{}, fmt.Errorf("tower %d: %w", id, ErrNotFound)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTower(row rowScanner) (TowerRecord, error) {
	var (
		rec                 TowerRecord
		serving             int
		observed, firstSeen int64
	)
	err := row.Scan(&rec.TowerID, &rec.Bearing, &rec.Distance, &rec.Confidence, &rec.SignalStrength,
		&rec.FrequencyMHz, &serving, &observed, &firstSeen, &rec.Sightings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TowerRecord{}, err
		}
		return TowerRecord{}, fmt.Errorf("scan tower: %w", err)
	}
	rec.IsServing = serving != 0
	rec.Timestamp = fromMillis(observed)
	rec.FirstSeen = fromMillis(firstSeen)
	return rec, nil
}

// SaveAnalysis stores an analysis summary and its report, returning the row id
func (s *Store) SaveAnalysis(ctx context.Context, a *environment.Analysis, report *advisor.Report) (int64, error) {
	if a == nil {
		return 0, fmt.Errorf("analysis is required")
	}

	reportJSON := []byte("{}")
	var tier advisor.Quality
	if report != nil {
		data, err := json.Marshal(report)
		if err != nil {
			return 0, fmt.Errorf("encode report: %w", err)
		}
		reportJSON = data
		tier = report.CurrentQuality
	}

	recordedAt := a.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO analyses (recorded_at, optimal_bearing, snr, interference_level, environment_quality, tower_count, quality_tier, report_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(recordedAt), a.OptimalBearing, a.SignalToNoiseRatio, a.InterferenceLevel, a.EnvironmentQuality,
		len(a.NearbyTowers), string(tier), string(reportJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	return res.LastInsertId()
}

// RecentAnalyses returns up to limit analyses, newest first
func (s *Store) RecentAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, recorded_at, optimal_bearing, snr, interference_level, environment_quality, tower_count, quality_tier, report_json
FROM analyses ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var records []AnalysisRecord
	for rows.Next() {
		var (
			rec        AnalysisRecord
			recordedAt int64
			tier       string
			report     string
		)
		if err := rows.Scan(&rec.ID, &recordedAt, &rec.OptimalBearing, &rec.SignalToNoiseRatio, &rec.InterferenceLevel,
			&rec.EnvironmentQuality, &rec.TowerCount, &tier, &report); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		rec.RecordedAt = fromMillis(recordedAt)
		rec.QualityTier = advisor.Quality(tier)
		rec.Report = json.RawMessage(report)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
