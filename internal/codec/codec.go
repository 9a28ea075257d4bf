// Package codec encodes entity snapshots into the version-log payload
// format: canonical JSON (sorted keys) wrapped in a schema-tagged envelope
// and gzip-compressed. All functions are pure and deterministic; two equal
// records always produce identical bytes and checksums.
package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/blake2b"

	"github.com/loreweave/chronicle/internal/errs"
)

// schemaVersion tags the envelope. Decoders accept any tag up to the
// current one; newer tags fail so a rolled-back reader never misparses a
// payload written by a newer writer.
const schemaVersion = 1

// envelope wraps a snapshot. Struct field order keeps the tag first in the
// serialized form.
type envelope struct {
	V    int            `json:"_v"`
	Data map[string]any `json:"data"`
}

// ToMap canonicalizes a record into its JSON shape: string keys sorted on
// marshal, numbers as float64, no struct field ordering left.
func ToMap(obj any) (map[string]any, error) {
	if m, ok := obj.(map[string]any); ok && m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("codec: canonicalize: %w", err)
	}
	return m, nil
}

// Encode serializes a record into the payload format. The input may be an
// entity struct or an already-canonical map.
func Encode(obj any) ([]byte, error) {
	m, err := ToMap(obj)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(envelope{V: schemaVersion, Data: m})
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode recovers the canonical record from payload bytes. Truncated or
// malformed input fails with ErrCorruptPayload.
func Decode(payload []byte) (map[string]any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("codec: open payload: %w: %w", errs.ErrCorruptPayload, err)
	}
	defer func() { _ = zr.Close() }()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w: %w", errs.ErrCorruptPayload, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("codec: parse envelope: %w: %w", errs.ErrCorruptPayload, err)
	}
	if env.V < 1 || env.V > schemaVersion {
		return nil, fmt.Errorf("codec: schema tag %d outside supported range 1..%d: %w",
			env.V, schemaVersion, errs.ErrCorruptPayload)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("codec: envelope has no data: %w", errs.ErrCorruptPayload)
	}
	return env.Data, nil
}

// Checksum returns the BLAKE2b-256 hex digest of the canonical
// serialization. Checksums of a struct and of its decoded payload match.
func Checksum(obj any) (string, error) {
	m, err := ToMap(obj)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("codec: marshal: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
