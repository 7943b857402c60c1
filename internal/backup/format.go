package backup

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FormatVersion identifies the snapshot file layout: a plain-text JSON
// header line followed by a gzip-compressed JSON payload.
const FormatVersion = 1

// MaxDecompressedSize caps decompression at 200MB to guard against
// corrupted or hostile files.
const MaxDecompressedSize = 200 * 1024 * 1024

// Header is the plain-text first line of a snapshot file. It can be read
// without decompressing the payload.
type Header struct {
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	Checksum      string    `json:"checksum"`
	ScenarioCount int       `json:"scenario_count"`
	Compressed    bool      `json:"compressed"`
}

// WriteSnapshot writes a snapshot file: header line + gzip payload.
func WriteSnapshot(path string, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	var compressed bytes.Buffer
	gzw := gzip.NewWriter(&compressed)
	if _, err := gzw.Write(payload); err != nil {
		return fmt.Errorf("compressing payload: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	hash := sha256.Sum256(compressed.Bytes())
	header := Header{
		Version:       FormatVersion,
		CreatedAt:     snap.CreatedAt,
		Checksum:      "sha256:" + hex.EncodeToString(hash[:]),
		ScenarioCount: len(snap.Scenarios),
		Compressed:    true,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return fmt.Errorf("writing header newline: %w", err)
	}
	if _, err := f.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

// ReadHeader reads and parses only the header line of a snapshot file.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	headerLine, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", header.Version)
	}
	return &header, nil
}

// ReadSnapshot reads a snapshot file, verifies the checksum, and
// decompresses the payload.
func ReadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", header.Version)
	}

	compressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	hash := sha256.Sum256(compressed)
	checksum := "sha256:" + hex.EncodeToString(hash[:])
	if header.Checksum != "" && header.Checksum != checksum {
		return nil, fmt.Errorf("checksum mismatch: snapshot is corrupted")
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("opening gzip payload: %w", err)
	}
	defer gzr.Close()

	payload, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(payload) > MaxDecompressedSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxDecompressedSize)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	return &snap, nil
}

// VerifyChecksum checks a snapshot file's integrity without parsing the
// payload and returns the verified header.
func VerifyChecksum(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Checksum == "" {
		return nil, fmt.Errorf("snapshot carries no checksum")
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return nil, fmt.Errorf("hashing payload: %w", err)
	}
	checksum := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if checksum != header.Checksum {
		return nil, fmt.Errorf("checksum mismatch: want %s, got %s", header.Checksum, checksum)
	}
	return &header, nil
}
