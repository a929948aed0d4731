// Package gps provides the device location used to turn surveyed tower positions
// into bearings. Fixes come from an NMEA serial receiver, a gpsd daemon or fixed
// manual coordinates.
package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/stratoberry/go-gpsd"
	"go.bug.st/serial"

	"tower-locator/internal/config"
	"tower-locator/internal/geodesy"
	"tower-locator/internal/logging"
)

// ErrNoFix is returned while no valid position is available
var ErrNoFix = errors.New("no GPS fix available")

type Position struct {
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Timestamp  time.Time
	FixQuality int
	Satellites int
}

// Coordinate returns the horizontal position
func (p Position) Coordinate() geodesy.Coordinate {
	return geodesy.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

// Receiver defines the common interface for position sources
type Receiver interface {
	Start(ctx context.Context) error
	WaitForFix(ctx context.Context, timeout time.Duration) (*Position, error)
	CurrentPosition() (*Position, error)
	IsFixValid() bool
	FixQualityString() string
	Close() error
}

// Provider wraps whichever receiver the configuration selects. A provider in "none"
// mode never has a fix and reports no location.
type Provider struct {
	impl Receiver
	mode string
}

// New builds a provider for the configured GPS mode
func New(cfg config.GPSConfig, log logging.Logger) (*Provider, error) {
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("component", "gps"), logging.String("mode", cfg.Mode))

	switch cfg.Mode {
	case config.GPSModeNMEA:
		n, err := NewNMEASerial(cfg.Port, cfg.BaudRate, log)
		if err != nil {
			return nil, err
		}
		return &Provider{impl: n, mode: cfg.Mode}, nil
	case config.GPSModeGPSD:
		return &Provider{impl: NewGPSDClient(cfg.GPSDHost, cfg.GPSDPort, log), mode: cfg.Mode}, nil
	case config.GPSModeManual:
		return &Provider{impl: NewManual(cfg.ManualLatitude, cfg.ManualLongitude, cfg.ManualAltitude), mode: cfg.Mode}, nil
	case config.GPSModeNone, "":
		return &Provider{mode: config.GPSModeNone}, nil
	default:
		return nil, fmt.Errorf("invalid GPS mode: %s", cfg.Mode)
	}
}

// NewProvider wraps an existing receiver
func NewProvider(r Receiver, mode string) *Provider {
	return &Provider{impl: r, mode: mode}
}

// Mode returns the configured GPS mode
func (p *Provider) Mode() string {
	return p.mode
}

func (p *Provider) Start(ctx context.Context) error {
	if p.impl == nil {
		return nil
	}
	return p.impl.Start(ctx)
}

func (p *Provider) WaitForFix(ctx context.Context, timeout time.Duration) (*Position, error) {
	if p.impl == nil {
		return nil, ErrNoFix
	}
	return p.impl.WaitForFix(ctx, timeout)
}

// Location returns the current device coordinate, or nil without a fix
func (p *Provider) Location(ctx context.Context) (*geodesy.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.impl == nil {
		return nil, nil
	}
	pos, err := p.impl.CurrentPosition()
	if err != nil {
		if errors.Is(err, ErrNoFix) {
			return nil, nil
		}
		return nil, err
	}
	c := pos.Coordinate()
	return &c, nil
}

func (p *Provider) FixQualityString() string {
	if p.impl == nil {
		return "Disabled"
	}
	return p.impl.FixQualityString()
}

func (p *Provider) Close() error {
	if p.impl == nil {
		return nil
	}
	return p.impl.Close()
}

// NMEASerial reads NMEA sentences from a serial receiver
type NMEASerial struct {
	port     io.ReadWriteCloser
	position Position
	fixChan  chan Position
	mu       sync.RWMutex
	log      logging.Logger
}

// NewNMEASerial opens the serial port and prepares an NMEA receiver
func NewNMEASerial(portName string, baudRate int, log logging.Logger) (*NMEASerial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPS port %s: %w", portName, err)
	}

	n := newNMEAReceiver(port, log)
	n.configureUbloxNMEA()
	return n, nil
}

func newNMEAReceiver(port io.ReadWriteCloser, log logging.Logger) *NMEASerial {
	if log == nil {
		log = logging.Noop()
	}
	return &NMEASerial{
		port:    port,
		fixChan: make(chan Position, 10),
		log:     log,
	}
}

// configureUbloxNMEA asks u-blox receivers to emit GGA and RMC on UART1
func (n *NMEASerial) configureUbloxNMEA() {
	// UBX-CFG-MSG enabling GGA (F0 00) and RMC (F0 04)
	ggaCmd := []byte{0xB5, 0x62, 0x06, 0x01, 0x08, 0x00, 0xF0, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x31}
	rmcCmd := []byte{0xB5, 0x62, 0x06, 0x01, 0x08, 0x00, 0xF0, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x05, 0x3B}

	n.port.Write(ggaCmd)
	time.Sleep(100 * time.Millisecond)
	n.port.Write(rmcCmd)
	time.Sleep(100 * time.Millisecond)

	n.log.Debug(context.Background(), "sent u-blox configuration for NMEA GGA/RMC output")
}

func (n *NMEASerial) Start(ctx context.Context) error {
	go n.readLoop(ctx)
	return nil
}

func (n *NMEASerial) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(n.port)
	n.log.Debug(ctx, "starting NMEA read loop")

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		n.handleLine(ctx, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		n.log.Warn(ctx, "NMEA scanner error", logging.Err(err))
	}
	n.log.Debug(ctx, "NMEA read loop ended")
}

// handleLine parses one line from the receiver, skipping anything that is not a
// printable NMEA sentence
func (n *NMEASerial) handleLine(ctx context.Context, line string) {
	if len(line) == 0 || line[0] != '$' {
		return
	}
	for _, r := range line {
		if r < 32 || r > 126 {
			return
		}
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		n.log.Debug(ctx, "NMEA parse error", logging.Err(err), logging.String("line", line))
		return
	}

	switch s := sentence.(type) {
	case nmea.GGA:
		n.processGGA(ctx, s)
	case nmea.RMC:
		n.processRMC(s)
	default:
		n.log.Debug(ctx, "ignoring NMEA sentence", logging.String("type", fmt.Sprintf("%T", s)))
	}
}

var ggaQuality = map[string]int{
	nmea.GPS:    1,
	nmea.DGPS:   2,
	nmea.PPS:    3,
	nmea.RTK:    4,
	nmea.FRTK:   5,
	nmea.Manual: 7,
}

func (n *NMEASerial) processGGA(ctx context.Context, s nmea.GGA) {
	fixQuality := ggaQuality[s.FixQuality]
	if fixQuality == 0 {
		return
	}

	pos := Position{
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Altitude:   s.Altitude,
		Timestamp:  time.Now(),
		FixQuality: fixQuality,
		Satellites: int(s.NumSatellites),
	}

	n.mu.Lock()
	n.position = pos
	n.mu.Unlock()

	n.log.Debug(ctx, "updated position",
		logging.Float("lat", pos.Latitude), logging.Float("lon", pos.Longitude),
		logging.Int("quality", pos.FixQuality), logging.Int("satellites", pos.Satellites))

	select {
	case n.fixChan <- pos:
	default:
	}
}

// processRMC refreshes the horizontal position and time of an existing fix
func (n *NMEASerial) processRMC(s nmea.RMC) {
	if s.Validity != nmea.ValidRMC {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.position.FixQuality == 0 {
		return
	}

	ts := time.Now()
	if s.Time.Valid {
		ts = time.Date(ts.Year(), ts.Month(), ts.Day(),
			s.Time.Hour, s.Time.Minute, s.Time.Second, s.Time.Millisecond*int(time.Millisecond), time.UTC)
	}
	n.position.Latitude = s.Latitude
	n.position.Longitude = s.Longitude
	n.position.Timestamp = ts
}

func (n *NMEASerial) WaitForFix(ctx context.Context, timeout time.Duration) (*Position, error) {
	return waitForFix(ctx, n.fixChan, timeout,
		"GPS may be configured to output UBX binary protocol instead of NMEA position messages; consider --gps-mode=gpsd")
}

func (n *NMEASerial) CurrentPosition() (*Position, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.position.FixQuality == 0 {
		return nil, ErrNoFix
	}
	pos := n.position
	return &pos, nil
}

func (n *NMEASerial) IsFixValid() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.position.FixQuality > 0
}

func (n *NMEASerial) FixQualityString() string {
	n.mu.RLock()
	quality := n.position.FixQuality
	n.mu.RUnlock()
	return fixQualityName(quality)
}

func (n *NMEASerial) Close() error {
	if n.port != nil {
		return n.port.Close()
	}
	return nil
}

// GPSDClient receives fixes from a gpsd daemon
type GPSDClient struct {
	client   *gpsd.Session
	position Position
	fixChan  chan Position
	host     string
	port     string
	mu       sync.RWMutex
	log      logging.Logger
}

// NewGPSDClient prepares a gpsd client; the connection is made by Start
func NewGPSDClient(host, port string, log logging.Logger) *GPSDClient {
	if log == nil {
		log = logging.Noop()
	}
	return &GPSDClient{
		fixChan: make(chan Position, 10),
		host:    host,
		port:    port,
		log:     log,
	}
}

func (g *GPSDClient) Start(ctx context.Context) error {
	address := gpsd.DefaultAddress
	if g.host != "" && g.port != "" {
		address = fmt.Sprintf("%s:%s", g.host, g.port)
	}

	client, err := gpsd.Dial(address)
	if err != nil {
		return fmt.Errorf("failed to connect to gpsd at %s: %w", address, err)
	}
	g.client = client

	g.client.AddFilter("TPV", g.handleTPV)
	g.client.AddFilter("SKY", g.handleSKY)
	g.client.Watch()

	g.log.Info(ctx, "connected to gpsd", logging.String("address", address))
	return nil
}

func (g *GPSDClient) handleTPV(r interface{}) {
	tpv, ok := r.(*gpsd.TPVReport)
	if !ok {
		return
	}

	// gpsd modes: 0/1 no fix, 2 = 2D, 3 = 3D
	if tpv.Mode < 2 || (tpv.Lat == 0 && tpv.Lon == 0) {
		return
	}

	g.mu.Lock()
	pos := Position{
		Latitude:   tpv.Lat,
		Longitude:  tpv.Lon,
		Altitude:   tpv.Alt,
		Timestamp:  tpv.Time,
		FixQuality: 1,
		Satellites: g.position.Satellites, // TPV carries no satellite count; keep the SKY value
	}
	g.position = pos
	g.mu.Unlock()

	select {
	case g.fixChan <- pos:
	default:
	}
}

func (g *GPSDClient) handleSKY(r interface{}) {
	sky, ok := r.(*gpsd.SKYReport)
	if !ok {
		return
	}

	g.mu.Lock()
	g.position.Satellites = len(sky.Satellites)
	g.mu.Unlock()
}

func (g *GPSDClient) WaitForFix(ctx context.Context, timeout time.Duration) (*Position, error) {
	return waitForFix(ctx, g.fixChan, timeout, "check that gpsd has a receiver attached")
}

func (g *GPSDClient) CurrentPosition() (*Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.position.FixQuality == 0 {
		return nil, ErrNoFix
	}
	pos := g.position
	return &pos, nil
}

func (g *GPSDClient) IsFixValid() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.position.FixQuality > 0
}

func (g *GPSDClient) FixQualityString() string {
	g.mu.RLock()
	quality := g.position.FixQuality
	g.mu.RUnlock()
	return fixQualityName(quality) + " (via gpsd)"
}

func (g *GPSDClient) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

// Manual reports a fixed, configured position
type Manual struct {
	position Position
}

// NewManual creates a manual receiver at the given coordinates
func NewManual(lat, lon, alt float64) *Manual {
	return &Manual{position: Position{
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		FixQuality: 7,
	}}
}

func (m *Manual) Start(context.Context) error { return nil }

func (m *Manual) WaitForFix(context.Context, time.Duration) (*Position, error) {
	return m.CurrentPosition()
}

func (m *Manual) CurrentPosition() (*Position, error) {
	pos := m.position
	pos.Timestamp = time.Now()
	return &pos, nil
}

func (m *Manual) IsFixValid() bool         { return true }
func (m *Manual) FixQualityString() string { return fixQualityName(7) }
func (m *Manual) Close() error             { return nil }

func waitForFix(ctx context.Context, fixes <-chan Position, timeout time.Duration, hint string) (*Position, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case pos := <-fixes:
			if pos.FixQuality > 0 {
				return &pos, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("GPS fix timeout after %v (%s): %w", timeout, hint, ErrNoFix)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func fixQualityName(quality int) string {
	switch quality {
	case 0:
		return "Invalid"
	case 1:
		return "GPS fix (SPS)"
	case 2:
		return "DGPS fix"
	case 3:
		return "PPS fix"
	case 4:
		return "Real Time Kinematic"
	case 5:
		return "Float RTK"
	case 6:
		return "estimated (dead reckoning)"
	case 7:
		return "Manual input mode"
	case 8:
		return "Simulation mode"
	default:
		return "Unknown"
	}
}
