package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Quectel-style engineering mode queries
const (
	servingCellQuery   = `AT+QENG="servingcell"`
	neighbourCellQuery = `AT+QENG="neighbourcell"`
)

// ModemSource reads cell telemetry from a cellular modem over its AT command port
type ModemSource struct {
	port    io.ReadWriteCloser
	pending []byte
	timeout time.Duration
	mu      sync.Mutex
	now     func() time.Time
}

// NewModemSource opens the modem AT port at the given baud rate
func NewModemSource(portName string, baudRate int, timeout time.Duration) (*ModemSource, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open modem port %s: %w", portName, err)
	}

	// Bound each read so a silent modem cannot stall the analysis loop
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set modem read timeout: %w", err)
	}

	return newModemSource(port, timeout), nil
}

func newModemSource(port io.ReadWriteCloser, timeout time.Duration) *ModemSource {
	return &ModemSource{
		port:    port,
		timeout: timeout,
		now:     time.Now,
	}
}

// Name identifies the source in logs
func (m *ModemSource) Name() string { return "modem" }

// Read queries the serving and neighbour cells
func (m *ModemSource) Read(ctx context.Context) (*Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reading := &Reading{Timestamp: m.now()}

	servingLines, err := m.query(ctx, servingCellQuery)
	if err != nil {
		return nil, fmt.Errorf("serving cell query failed: %w", err)
	}
	for _, line := range servingLines {
		cell, err := ParseServingCell(line)
		if err != nil {
			continue
		}
		reading.Cells = append(reading.Cells, cell)
		reading.ServingSignalDbm = cell.SignalStrengthDbm
	}

	neighbourLines, err := m.query(ctx, neighbourCellQuery)
	if err != nil {
		return nil, fmt.Errorf("neighbour cell query failed: %w", err)
	}
	for _, line := range neighbourLines {
		cell, err := ParseNeighbourCell(line)
		if err != nil {
			continue
		}
		reading.Cells = append(reading.Cells, cell)
	}

	return reading, nil
}

// query sends one AT command and collects the +QENG lines up to the final result code
func (m *ModemSource) query(ctx context.Context, command string) ([]string, error) {
	if _, err := m.port.Write([]byte(command + "\r")); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", command, err)
	}

	deadline := m.now().Add(m.timeout)
	var lines []string

	for {
		line, err := m.readLine(ctx, deadline)
		line = strings.TrimSpace(line)

		switch {
		case line == "OK":
			return lines, nil
		case line == "ERROR" || strings.HasPrefix(line, "+CME ERROR"):
			return nil, fmt.Errorf("%s returned %s", command, line)
		case strings.HasPrefix(line, "+QENG:"):
			lines = append(lines, line)
		}

		switch {
		case err == io.EOF:
			if len(lines) > 0 {
				return lines, nil
			}
			return nil, fmt.Errorf("%s: %w", command, ErrNoResponse)
		case errors.Is(err, ErrNoResponse):
			return nil, fmt.Errorf("%s: %w", command, err)
		case err != nil:
			return nil, err
		}
	}
}

// readLine returns the next newline-terminated line from the port. The serial
// driver reports a read timeout as (0, nil), so every empty read re-checks the
// context and the command deadline.
func (m *ModemSource) readLine(ctx context.Context, deadline time.Time) (string, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(m.pending, '\n'); i >= 0 {
			line := string(m.pending[:i+1])
			m.pending = m.pending[i+1:]
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if m.now().After(deadline) {
			m.pending = m.pending[:0]
			return "", ErrNoResponse
		}

		n, err := m.port.Read(buf)
		m.pending = append(m.pending, buf[:n]...)
		if err == io.EOF {
			line := string(m.pending)
			m.pending = m.pending[:0]
			return line, io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("failed to read modem response: %w", err)
		}
	}
}

// Close releases the serial port
func (m *ModemSource) Close() error {
	if m.port != nil {
		return m.port.Close()
	}
	return nil
}

// splitQENG splits a +QENG response into unquoted fields
func splitQENG(line string) []string {
	body := strings.TrimSpace(strings.TrimPrefix(line, "+QENG:"))
	fields := strings.Split(body, ",")
	for i, f := range fields {
		fields[i] = strings.Trim(strings.TrimSpace(f), `"`)
	}
	return fields
}

// ParseServingCell parses an LTE serving cell response, e.g.
//
//	+QENG: "servingcell","NOCONN","LTE","FDD",310,410,A1B2C3D,123,5110,12,5,5,2A1F,-95,-11,-65,13,21
func ParseServingCell(line string) (CellScan, error) {
	fields := splitQENG(line)
	if len(fields) < 14 || fields[0] != "servingcell" {
		return CellScan{}, fmt.Errorf("not a serving cell response: %q", line)
	}
	if fields[2] != "LTE" {
		return CellScan{}, fmt.Errorf("unsupported serving cell RAT %q", fields[2])
	}

	cellID, err := strconv.ParseInt(fields[6], 16, 64)
	if err != nil {
		return CellScan{}, fmt.Errorf("invalid cell id %q: %w", fields[6], err)
	}
	earfcn, err := strconv.Atoi(fields[8])
	if err != nil {
		return CellScan{}, fmt.Errorf("invalid EARFCN %q: %w", fields[8], err)
	}
	rsrp, err := strconv.Atoi(fields[13])
	if err != nil {
		return CellScan{}, fmt.Errorf("invalid RSRP %q: %w", fields[13], err)
	}

	return CellScan{
		SignalStrengthDbm: rsrp,
		RawFrequencyCode:  earfcn,
		TowerIdentifier:   cellID,
		IsServing:         true,
	}, nil
}

// ParseNeighbourCell parses an LTE neighbour cell response, e.g.
//
//	+QENG: "neighbourcell intra","LTE",5110,123,-11,-95,-65,0,37,7,16,6,44
//
// Neighbours carry no global cell id, so the identifier is hashed from EARFCN and PCI.
func ParseNeighbourCell(line string) (CellScan, error) {
	fields := splitQENG(line)
	if len(fields) < 6 || !strings.HasPrefix(fields[0], "neighbourcell") {
		return CellScan{}, fmt.Errorf("not a neighbour cell response: %q", line)
	}
	if fields[1] != "LTE" {
		return CellScan{}, fmt.Errorf("unsupported neighbour cell RAT %q", fields[1])
	}

	earfcn, err := strconv.Atoi(fields[2])
	if err != nil {
		return CellScan{}, fmt.Errorf("invalid EARFCN %q: %w", fields[2], err)
	}
	pci, err := strconv.Atoi(fields[3])
	if err != nil {
		return CellScan{}, fmt.Errorf("invalid PCI %q: %w", fields[3], err)
	}
	rsrp, err := strconv.Atoi(fields[5])
	if err != nil {
		return CellScan{}, fmt.Errorf("invalid RSRP %q: %w", fields[5], err)
	}

	return CellScan{
		SignalStrengthDbm: rsrp,
		RawFrequencyCode:  earfcn,
		TowerIdentifier:   HashIdentifier(earfcn, pci),
	}, nil
}
