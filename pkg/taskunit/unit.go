// Package taskunit packages one element of a map call into a self-contained
// unit that a compute node can execute with no access to the submitting
// process, and runs such units on the worker side.
//
// A unit names a handler registered in the same binary, carries the
// gob-encoded element, and designates where the result or failure artifact
// must be written.
package taskunit

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/3leaps/slurmmap/pkg/runstore"
)

// EnvTask carries the unit path to a re-executed worker binary.
const EnvTask = "SLURMMAP_TASK"

const unitVersion = 1

// Unit is the serialized form written to unit.json.
type Unit struct {
	Version    int    `json:"version"`
	CallID     string `json:"call_id"`
	Function   string `json:"function"`
	Index      int    `json:"index"`
	Input      []byte `json:"input"`
	ResultPath string `json:"result_path"`
	ErrorPath  string `json:"error_path"`
}

// Encode gob-encodes v. Values gob cannot represent (funcs, channels,
// unexported-only structs) fail here, before anything is submitted.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes b into v, which must be a pointer.
func Decode(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// Fingerprint returns a digest of v that is stable across processes: v's Go
// type followed by its msgpack encoding with sorted map keys. Gob output
// varies with map iteration order and earlier type registrations.
func Fingerprint(v any) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%T\n", v)
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("fingerprint %T: %w", v, err)
	}
	return Digest(buf.Bytes()), nil
}

// Digest hashes b with murmur3-128.
func Digest(b []byte) string {
	h1, h2 := murmur3.Sum128(b)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Pack writes u to path atomically.
func Pack(u *Unit, path string) error {
	if u == nil {
		return fmt.Errorf("unit is nil")
	}
	if strings.TrimSpace(u.Function) == "" {
		return fmt.Errorf("unit function is required")
	}
	if u.ResultPath == "" || u.ErrorPath == "" {
		return fmt.Errorf("unit %d has no output location", u.Index)
	}
	u.Version = unitVersion
	b, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}
	return runstore.WriteFileAtomic(path, append(b, '\n'))
}

// Load reads a unit written by Pack.
func Load(path string) (*Unit, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read unit: %w", err)
	}
	var u Unit
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, fmt.Errorf("parse unit %s: %w", path, err)
	}
	if u.Version != unitVersion {
		return nil, fmt.Errorf("unit %s has version %d, want %d", path, u.Version, unitVersion)
	}
	return &u, nil
}

// Failure is the artifact a worker writes when its task does not succeed.
type Failure struct {
	CallID     string    `json:"call_id"`
	Function   string    `json:"function"`
	Index      int       `json:"index"`
	Message    string    `json:"message"`
	Panic      bool      `json:"panic,omitempty"`
	Stack      string    `json:"stack,omitempty"`
	Host       string    `json:"host,omitempty"`
	PID        int       `json:"pid,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// WriteFailure persists f atomically at path.
func WriteFailure(path string, f Failure) error {
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	return runstore.WriteFileAtomic(path, append(b, '\n'))
}

// ReadFailure loads a failure artifact.
func ReadFailure(path string) (*Failure, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Failure
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse failure artifact %s: %w", path, err)
	}
	return &f, nil
}
