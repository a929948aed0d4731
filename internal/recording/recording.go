// Package recording persists hunting sessions as compact binary .hunt files.
//
// Layout (little-endian):
//
//	magic "HUNT" | version u16 | started s64+ns s32 | stopped s64+ns s32 |
//	has-location u8 | lat f64 | lon f64 | alt f64 |
//	device-info len u8 + bytes | session-id len u8 + bytes | sample count u32 |
//	samples: bearing f64, signal s16, timestamp ms s64
package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tower-locator/internal/hunting"
)

const (
	Magic          = "HUNT"
	FormatVersion  = uint16(1)
	FileExtension  = ".hunt"
	maxStringBytes = 255
)

// ErrInvalidFormat is returned for files that do not start with the HUNT magic
var ErrInvalidFormat = errors.New("invalid recording format")

type Metadata struct {
	FileFormatVersion uint16
	SessionID         string
	StartedAt         time.Time
	StoppedAt         time.Time
	HasLocation       bool
	Location          Location
	DeviceInfo        string
}

type Location struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// Filename builds the conventional recording name for a session
func Filename(dir string, meta Metadata) string {
	stamp := meta.StartedAt.UTC().Format("20060102_150405")
	id := meta.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return filepath.Join(dir, fmt.Sprintf("hunt_%s%s", stamp, FileExtension))
	}
	return filepath.Join(dir, fmt.Sprintf("hunt_%s_%s%s", stamp, id, FileExtension))
}

// WriteFile writes a complete recording, creating parent directories as needed
func WriteFile(filename string, meta Metadata, samples []hunting.Sample) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create recording directory: %w", err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := Encode(w, meta, samples); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush recording: %w", err)
	}
	return file.Close()
}

// Encode writes the header and samples to w
func Encode(w io.Writer, meta Metadata, samples []hunting.Sample) error {
	if meta.FileFormatVersion == 0 {
		meta.FileFormatVersion = FormatVersion
	}
	if err := writeHeader(w, meta, uint32(len(samples))); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writeSamples(w, samples); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	return nil
}

func writeHeader(w io.Writer, meta Metadata, sampleCount uint32) error {
	if _, err := io.WriteString(w, Magic); err != nil {
		return err
	}

	var hasLocation uint8
	if meta.HasLocation {
		hasLocation = 1
	}

	fields := []any{
		meta.FileFormatVersion,
		meta.StartedAt.Unix(), int32(meta.StartedAt.Nanosecond()),
		meta.StoppedAt.Unix(), int32(meta.StoppedAt.Nanosecond()),
		hasLocation,
		meta.Location.Latitude, meta.Location.Longitude, meta.Location.Altitude,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}

	if err := writeString(w, meta.DeviceInfo); err != nil {
		return err
	}
	if err := writeString(w, meta.SessionID); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, sampleCount)
}

func writeString(w io.Writer, s string) error {
	b := []byte(s)
	if len(b) > maxStringBytes {
		b = b[:maxStringBytes]
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// sampleRecord is the fixed-size on-disk sample
type sampleRecord struct {
	Bearing   float64
	Signal    int16
	Timestamp int64
}

func writeSamples(w io.Writer, samples []hunting.Sample) error {
	for _, s := range samples {
		rec := sampleRecord{
			Bearing:   s.Bearing,
			Signal:    int16(s.SignalStrength),
			Timestamp: s.Timestamp.UnixMilli(),
		}
		if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile reads the complete file including all samples
func ReadFile(filename string) (*Metadata, []hunting.Sample, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return Decode(bufio.NewReader(file))
}

// ReadMetadata reads only the header and the declared sample count
func ReadMetadata(filename string) (*Metadata, uint32, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return readHeader(bufio.NewReader(file))
}

// Decode reads a recording from r
func Decode(r io.Reader) (*Metadata, []hunting.Sample, error) {
	meta, count, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}

	samples := make([]hunting.Sample, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec sampleRecord
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, nil, fmt.Errorf("failed to read sample %d of %d: %w", i, count, err)
		}
		samples = append(samples, hunting.Sample{
			Bearing:        rec.Bearing,
			SignalStrength: int(rec.Signal),
			Timestamp:      time.UnixMilli(rec.Timestamp),
		})
	}
	return meta, samples, nil
}

func readHeader(r io.Reader) (*Metadata, uint32, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, 0, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, 0, ErrInvalidFormat
	}

	var (
		meta                Metadata
		startSec, stopSec   int64
		startNano, stopNano int32
		hasLocation         uint8
	)
	fields := []any{
		&meta.FileFormatVersion,
		&startSec, &startNano,
		&stopSec, &stopNano,
		&hasLocation,
		&meta.Location.Latitude, &meta.Location.Longitude, &meta.Location.Altitude,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, 0, fmt.Errorf("failed to read header: %w", err)
		}
	}
	if meta.FileFormatVersion > FormatVersion {
		return nil, 0, fmt.Errorf("unsupported recording version %d", meta.FileFormatVersion)
	}

	meta.StartedAt = time.Unix(startSec, int64(startNano))
	meta.StoppedAt = time.Unix(stopSec, int64(stopNano))
	meta.HasLocation = hasLocation == 1

	var err error
	if meta.DeviceInfo, err = readString(r); err != nil {
		return nil, 0, fmt.Errorf("failed to read device info: %w", err)
	}
	if meta.SessionID, err = readString(r); err != nil {
		return nil, 0, fmt.Errorf("failed to read session id: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, 0, fmt.Errorf("failed to read sample count: %w", err)
	}
	return &meta, count, nil
}

func readString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
