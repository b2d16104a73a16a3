package persist

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrChecksumMismatch is returned by Decode when records do not match the
	// stored checksum.
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")
	// ErrUnsupportedVersion is returned by Decode for unknown envelope versions.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

const snapshotVersion = 1

// Snapshot is the envelope stored in caches, archives and save history.
type Snapshot struct {
	Version    int       `json:"version"`
	DocumentID string    `json:"documentId"`
	SavedAt    time.Time `json:"savedAt"`
	Records    []Record  `json:"records"`
	Checksum   string    `json:"checksum"`
}

func NewSnapshot(documentID string, records []Record, savedAt time.Time) (Snapshot, error) {
	if records == nil {
		records = []Record{}
	}
	sum, err := Checksum(records)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Version:    snapshotVersion,
		DocumentID: documentID,
		SavedAt:    savedAt.UTC(),
		Records:    records,
		Checksum:   sum,
	}, nil
}

// Checksum is a BLAKE2b-256 digest of the JSON encoding of records.
func Checksum(records []Record) (string, error) {
	payload, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal records: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func Encode(snapshot Snapshot) ([]byte, error) {
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return append(payload, '\n'), nil
}

func Decode(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snapshot.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snapshot.Version)
	}
	if snapshot.Records == nil {
		snapshot.Records = []Record{}
	}
	sum, err := Checksum(snapshot.Records)
	if err != nil {
		return Snapshot{}, err
	}
	if sum != snapshot.Checksum {
		return Snapshot{}, fmt.Errorf("%w: document %s", ErrChecksumMismatch, snapshot.DocumentID)
	}
	return snapshot, nil
}
