package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tower-locator/internal/advisor"
	"tower-locator/internal/environment"
	"tower-locator/internal/tower"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSaveObservationsNewestWins(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1754061697000).UTC()

	err := s.SaveObservations(ctx, []tower.Observation{
		{TowerID: 1, Bearing: 10, Distance: 900, Confidence: 0.7, SignalStrength: -80, FrequencyMHz: 1842.5, IsServing: true, Timestamp: t0},
		{TowerID: 2, Bearing: 200, Distance: 3000, Confidence: 0.3, SignalStrength: -101, Timestamp: t0},
	})
	if err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}

	// Newer reading replaces, older one only bumps the sighting count
	if err := s.SaveObservations(ctx, []tower.Observation{
		{TowerID: 1, Bearing: 15, Distance: 850, Confidence: 0.72, SignalStrength: -78, Timestamp: t0.Add(time.Second)},
		{TowerID: 2, Bearing: 90, Distance: 100, Confidence: 0.9, SignalStrength: -60, Timestamp: t0.Add(-time.Minute)},
	}); err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}

	one, err := s.Tower(ctx, 1)
	if err != nil {
		t.Fatalf("Tower(1): %v", err)
	}
	if one.Bearing != 15 || one.SignalStrength != -78 || one.Sightings != 2 {
		t.Errorf("tower 1 = %+v", one)
	}
	if !one.FirstSeen.Equal(t0) || !one.Timestamp.Equal(t0.Add(time.Second)) {
		t.Errorf("tower 1 times: first %s last %s", one.FirstSeen, one.Timestamp)
	}
	if one.IsServing {
		t.Error("tower 1 serving flag should follow the newest observation")
	}

	two, err := s.Tower(ctx, 2)
	if err != nil {
		t.Fatalf("Tower(2): %v", err)
	}
	if two.Bearing != 200 || two.SignalStrength != -101 || two.Sightings != 2 {
		t.Errorf("tower 2 should keep the newer reading: %+v", two)
	}
	if !two.FirstSeen.Equal(t0.Add(-time.Minute)) {
		t.Errorf("tower 2 first seen = %s", two.FirstSeen)
	}

	towers, err := s.Towers(ctx)
	if err != nil {
		t.Fatalf("Towers: %v", err)
	}
	if len(towers) != 2 || towers[0].TowerID != 1 {
		t.Errorf("towers = %+v, want strongest first", towers)
	}
}

func TestTowerNotFound(t *testing.T) {
	s := openMemory(t)

	if _, err := s.Tower(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveObservationsCancelledContext(t *testing.T) {
	s := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.SaveObservations(ctx, []tower.Observation{{TowerID: 1}}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSaveAndListAnalyses(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.UnixMilli(1754061697000)

	for i := 0; i < 3; i++ {
		a := &environment.Analysis{
			NearbyTowers:       []tower.Observation{{TowerID: 1, Bearing: 40, SignalStrength: -75}},
			OptimalBearing:     40,
			SignalToNoiseRatio: 7.5,
			InterferenceLevel:  0.2,
			EnvironmentQuality: 0.5 + float64(i)*0.2,
			Timestamp:          base.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.SaveAnalysis(ctx, a, advisor.FromAnalysis(a)); err != nil {
			t.Fatalf("SaveAnalysis: %v", err)
		}
	}

	records, err := s.RecentAnalyses(ctx, 2)
	if err != nil {
		t.Fatalf("RecentAnalyses: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].QualityTier != advisor.Excellent || records[1].QualityTier != advisor.Good {
		t.Errorf("tiers = %s, %s", records[0].QualityTier, records[1].QualityTier)
	}
	if records[0].TowerCount != 1 {
		t.Errorf("tower count = %d", records[0].TowerCount)
	}

	var report map[string]any
	if err := json.Unmarshal(records[0].Report, &report); err != nil {
		t.Fatalf("stored report is not JSON: %v", err)
	}
	if report["currentQuality"] != "Excellent" {
		t.Errorf("stored report = %v", report)
	}
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "towers.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveObservations(context.Background(), []tower.Observation{{TowerID: 5, SignalStrength: -90, Timestamp: time.Now()}}); err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Tower(context.Background(), 5); err != nil {
		t.Errorf("tower lost across reopen: %v", err)
	}
}
