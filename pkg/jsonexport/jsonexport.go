// Package jsonexport publishes the agent's JSON documents
// (meshmon_network.json, meshmon_health.json, meshmon_crashes.json,
// phone_quality.json) under a common envelope and writes every one of
// them atomically: marshal to a temp file beside the destination, then
// rename over it, so a concurrent reader never observes a partially
// written document.
package jsonexport

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// SchemaVersion is the envelope schema identifier carried on every
// published document.
const SchemaVersion = "meshmon.v1"

// Envelope wraps a document type's payload with the fields every
// published file shares: schema, document type, originating node, a
// generation timestamp, and a content hash of the payload bytes
// (lets a collector detect a byte-identical republish without
// re-parsing the payload).
type Envelope struct {
	Schema      string          `json:"schema"`
	Type        string          `json:"type"`
	Node        string          `json:"node"`
	GeneratedAt time.Time       `json:"generated_at"`
	ContentHash string          `json:"content_hash"`
	Payload     json.RawMessage `json:"payload"`
}

// Writer publishes envelopes for one node.
type Writer struct {
	Node string
}

// New returns a Writer stamping every envelope with node.
func New(node string) *Writer {
	return &Writer{Node: node}
}

// Write marshals payload, computes its content hash, wraps it in an
// Envelope of the given docType, and atomically publishes it to path.
func (w *Writer) Write(path, docType string, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jsonexport: marshal payload: %w", err)
	}

	sum := blake2b.Sum256(payloadBytes)

	env := Envelope{
		Schema:      SchemaVersion,
		Type:        docType,
		Node:        w.Node,
		GeneratedAt: time.Now().UTC(),
		ContentHash: fmt.Sprintf("%x", sum),
		Payload:     payloadBytes,
	}

	envBytes, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonexport: marshal envelope: %w", err)
	}

	return atomicWrite(path, envBytes)
}

// WriteRaw atomically publishes v marshaled as plain JSON, with no
// envelope wrapper. Used for documents that are themselves arrays
// (the crash-report history) rather than a single object.
func WriteRaw(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonexport: marshal: %w", err)
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), randSuffix()))

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("jsonexport: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jsonexport: rename into place: %w", err)
	}
	return nil
}

func randSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "x"
	}
	return fmt.Sprintf("%x", b)
}
