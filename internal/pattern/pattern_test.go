package pattern

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestFromMeasurementsFlatPattern(t *testing.T) {
	p, err := FromMeasurements([]int{-80, -80, -80, -80}, []float64{0, 90, 180, 270})
	if err != nil {
		t.Fatalf("FromMeasurements: %v", err)
	}

	if p.DirectionalityIndex != 0 {
		t.Errorf("directionality = %f, want 0", p.DirectionalityIndex)
	}
	if p.Quality != 1.0 {
		t.Errorf("quality = %f, want 1.0", p.Quality)
	}
	if p.PeakBearing != 0 {
		t.Errorf("peak bearing = %f, want 0 (first max)", p.PeakBearing)
	}
	if p.PeakStrength != -80 {
		t.Errorf("peak strength = %d, want -80", p.PeakStrength)
	}
}

func TestFromMeasurementsPeak(t *testing.T) {
	p, err := FromMeasurements([]int{-95, -70, -88, -70}, []float64{10, 100, 190, 280})
	if err != nil {
		t.Fatalf("FromMeasurements: %v", err)
	}

	if p.PeakStrength != -70 || p.PeakBearing != 100 {
		t.Errorf("peak = %d at %f, want -70 at 100", p.PeakStrength, p.PeakBearing)
	}

	// mean -80.75; population variance 121.6875
	wantIndex := math.Sqrt(121.6875) / 80.75
	if math.Abs(p.DirectionalityIndex-wantIndex) > 1e-9 {
		t.Errorf("directionality = %f, want %f", p.DirectionalityIndex, wantIndex)
	}
	if math.Abs(p.Quality-(1-wantIndex/2)) > 1e-9 {
		t.Errorf("quality = %f, want %f", p.Quality, 1-wantIndex/2)
	}
}

func TestFromMeasurementsInvalidInput(t *testing.T) {
	tests := []struct {
		name      string
		strengths []int
		bearings  []float64
	}{
		{"both empty", nil, nil},
		{"no bearings", []int{-80}, nil},
		{"no strengths", nil, []float64{0}},
		{"length mismatch", []int{-80, -81}, []float64{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMeasurements(tt.strengths, tt.bearings)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestFromMeasurementsZeroMean(t *testing.T) {
	p, err := FromMeasurements([]int{0, 0, 0}, []float64{0, 120, 240})
	if err != nil {
		t.Fatalf("FromMeasurements: %v", err)
	}

	if !p.Degenerate {
		t.Error("expected degenerate pattern")
	}
	if math.IsNaN(p.DirectionalityIndex) || p.DirectionalityIndex != DegenerateDirectionalityIndex {
		t.Errorf("directionality = %f, want %f", p.DirectionalityIndex, DegenerateDirectionalityIndex)
	}
	if p.Quality != 0 {
		t.Errorf("quality = %f, want 0", p.Quality)
	}
}

func TestFromMeasurementsPropertyRanges(t *testing.T) {
	r := rand.New(rand.NewSource(99))

	for i := 0; i < 500; i++ {
		n := 1 + r.Intn(24)
		strengths := make([]int, n)
		bearings := make([]float64, n)
		maxStrength := math.MinInt
		for j := 0; j < n; j++ {
			strengths[j] = -140 + r.Intn(150)
			bearings[j] = r.Float64() * 360
			if strengths[j] > maxStrength {
				maxStrength = strengths[j]
			}
		}

		p, err := FromMeasurements(strengths, bearings)
		if err != nil {
			t.Fatalf("FromMeasurements: %v", err)
		}
		if p.Quality < 0 || p.Quality > 1 {
			t.Fatalf("quality %f outside [0, 1] for %v", p.Quality, strengths)
		}
		if p.DirectionalityIndex < 0 {
			t.Fatalf("directionality %f negative for %v", p.DirectionalityIndex, strengths)
		}
		if p.PeakStrength != maxStrength {
			t.Fatalf("peak %d, want max %d", p.PeakStrength, maxStrength)
		}
	}
}

func TestFromMeasurementsCopiesInput(t *testing.T) {
	strengths := []int{-80, -70}
	bearings := []float64{0, 90}

	p, _ := FromMeasurements(strengths, bearings)
	strengths[0] = 0
	bearings[0] = 45

	if p.SignalStrengths[0] != -80 || p.Bearings[0] != 0 {
		t.Error("pattern shares backing arrays with caller input")
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}
}
