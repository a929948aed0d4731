package gps

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stratoberry/go-gpsd"

	"tower-locator/internal/config"
)

// nopPort is an in-memory serial port
type nopPort struct {
	bytes.Buffer
	closed bool
}

func (p *nopPort) Close() error {
	p.closed = true
	return nil
}

func TestGPSDSatelliteCountPreservation(t *testing.T) {
	g := NewGPSDClient("localhost", "2947", nil)

	// SKY arrives before the first fix
	g.handleSKY(&gpsd.SKYReport{Satellites: make([]gpsd.Satellite, 4)})

	g.handleTPV(&gpsd.TPVReport{
		Mode: 3,
		Lat:  33.349,
		Lon:  -111.758,
		Alt:  359.84,
		Time: time.Now(),
	})

	pos, err := g.CurrentPosition()
	if err != nil {
		t.Fatalf("CurrentPosition: %v", err)
	}
	if pos.FixQuality != 1 {
		t.Errorf("Expected fix quality 1, got %d", pos.FixQuality)
	}
	if pos.Satellites != 4 {
		t.Errorf("Expected 4 satellites to be preserved, got %d", pos.Satellites)
	}
	if pos.Latitude != 33.349 || pos.Longitude != -111.758 {
		t.Errorf("Unexpected position %+v", pos)
	}
}

func TestGPSDSatelliteCountUpdate(t *testing.T) {
	g := NewGPSDClient("localhost", "2947", nil)
	g.handleTPV(&gpsd.TPVReport{Mode: 2, Lat: 33.349, Lon: -111.758, Time: time.Now()})

	g.handleSKY(&gpsd.SKYReport{Satellites: make([]gpsd.Satellite, 6)})

	pos, err := g.CurrentPosition()
	if err != nil {
		t.Fatalf("CurrentPosition: %v", err)
	}
	if pos.Satellites != 6 {
		t.Errorf("Expected 6 satellites, got %d", pos.Satellites)
	}
	if pos.FixQuality != 1 || pos.Latitude != 33.349 {
		t.Errorf("Expected position to be preserved, got %+v", pos)
	}
}

func TestGPSDIgnoresNoFix(t *testing.T) {
	g := NewGPSDClient("localhost", "2947", nil)
	g.handleTPV(&gpsd.TPVReport{Mode: 1, Lat: 10, Lon: 10})
	g.handleTPV(&gpsd.TPVReport{Mode: 3, Lat: 0, Lon: 0})
	g.handleTPV("not a report")

	if g.IsFixValid() {
		t.Fatal("no-fix reports should not produce a position")
	}
	if _, err := g.CurrentPosition(); !errors.Is(err, ErrNoFix) {
		t.Errorf("err = %v, want ErrNoFix", err)
	}
}

func TestNMEAGGAAndRMC(t *testing.T) {
	n := newNMEAReceiver(&nopPort{}, nil)
	ctx := context.Background()

	n.handleLine(ctx, "garbage")
	n.handleLine(ctx, "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
	if n.IsFixValid() {
		t.Fatal("RMC alone should not establish a fix")
	}

	n.handleLine(ctx, "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")

	pos, err := n.CurrentPosition()
	if err != nil {
		t.Fatalf("CurrentPosition: %v", err)
	}
	if math.Abs(pos.Latitude-48.1173) > 1e-4 || math.Abs(pos.Longitude-11.516667) > 1e-4 {
		t.Errorf("position = %f, %f", pos.Latitude, pos.Longitude)
	}
	if pos.Satellites != 8 || pos.FixQuality != 1 || pos.Altitude != 545.4 {
		t.Errorf("fix = %+v", pos)
	}
	if n.FixQualityString() != "GPS fix (SPS)" {
		t.Errorf("quality string = %q", n.FixQualityString())
	}

	// A valid RMC now refreshes the time but keeps the fix
	n.handleLine(ctx, "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
	pos, _ = n.CurrentPosition()
	if pos.Timestamp.Hour() != 12 || pos.Timestamp.Minute() != 35 {
		t.Errorf("RMC time not applied: %s", pos.Timestamp)
	}
}

func TestNMEAWaitForFix(t *testing.T) {
	n := newNMEAReceiver(&nopPort{}, nil)
	n.handleLine(context.Background(), "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")

	pos, err := n.WaitForFix(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForFix: %v", err)
	}
	if pos.Satellites != 8 {
		t.Errorf("satellites = %d", pos.Satellites)
	}

	empty := newNMEAReceiver(&nopPort{}, nil)
	if _, err := empty.WaitForFix(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrNoFix) {
		t.Errorf("timeout err = %v, want ErrNoFix", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := empty.WaitForFix(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v", err)
	}
}

func TestProviderModes(t *testing.T) {
	ctx := context.Background()

	none, err := New(config.GPSConfig{Mode: config.GPSModeNone}, nil)
	if err != nil {
		t.Fatalf("New(none): %v", err)
	}
	loc, err := none.Location(ctx)
	if err != nil || loc != nil {
		t.Errorf("none mode location = %v, %v; want nil, nil", loc, err)
	}

	manual, err := New(config.GPSConfig{Mode: config.GPSModeManual, ManualLatitude: 35.533, ManualLongitude: -97.621}, nil)
	if err != nil {
		t.Fatalf("New(manual): %v", err)
	}
	loc, err = manual.Location(ctx)
	if err != nil || loc == nil {
		t.Fatalf("manual location = %v, %v", loc, err)
	}
	if loc.Latitude != 35.533 || loc.Longitude != -97.621 {
		t.Errorf("manual location = %+v", loc)
	}

	if _, err := New(config.GPSConfig{Mode: "glonass"}, nil); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestProviderWithoutFix(t *testing.T) {
	p := NewProvider(NewGPSDClient("localhost", "2947", nil), config.GPSModeGPSD)

	loc, err := p.Location(context.Background())
	if err != nil || loc != nil {
		t.Errorf("location before fix = %v, %v; want nil, nil", loc, err)
	}
}
