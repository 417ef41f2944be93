package jsonexport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Value int `json:"value"`
}

func TestWriteProducesEnvelopeWithSchemaAndHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	w := New("node-a")

	require.NoError(t, w.Write(path, "network", samplePayload{Value: 42}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, SchemaVersion, env.Schema)
	assert.Equal(t, "network", env.Type)
	assert.Equal(t, "node-a", env.Node)
	assert.NotEmpty(t, env.ContentHash)
	assert.False(t, env.GeneratedAt.IsZero())

	var payload samplePayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, 42, payload.Value)
}

func TestWriteIsAtomicNoTempFileLeftBehind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	w := New("node-a")
	require.NoError(t, w.Write(path, "health", samplePayload{Value: 1}))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestWriteSameContentProducesSameHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	w := New("node-a")
	require.NoError(t, w.Write(path, "network", samplePayload{Value: 7}))
	data, _ := os.ReadFile(path)
	var first Envelope
	json.Unmarshal(data, &first)

	path2 := filepath.Join(t.TempDir(), "doc2.json")
	require.NoError(t, w.Write(path2, "network", samplePayload{Value: 7}))
	data2, _ := os.ReadFile(path2)
	var second Envelope
	json.Unmarshal(data2, &second)

	assert.Equal(t, first.ContentHash, second.ContentHash)
}

// TestWriteIsAtomicUnderConcurrentReaders hammers a reader against a
// file being repeatedly rewritten, standing in for a scheduler killed
// mid-publish: every read must parse as a complete, valid envelope of
// either the previous or the new generation, never a half-written one.
func TestWriteIsAtomicUnderConcurrentReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	w := New("node-a")
	require.NoError(t, w.Write(path, "network", samplePayload{Value: 0}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 200; i++ {
			w.Write(path, "network", samplePayload{Value: i})
		}
	}()

	reads := 0
	for {
		select {
		case <-done:
			assert.Greater(t, reads, 0, "test should have observed at least one read before the writer finished")
			return
		default:
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue // rename racing an open is fine, a torn read is not
		}
		var env Envelope
		if uerr := json.Unmarshal(data, &env); uerr != nil {
			t.Fatalf("read a non-JSON-parseable file mid-write: %v\ncontents: %s", uerr, data)
		}
		var payload samplePayload
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		reads++
	}
}

func TestWriteRawRoundTripsArrayExactly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashes.json")
	want := []samplePayload{{Value: 1}, {Value: 2}, {Value: 3}}

	require.NoError(t, WriteRaw(path, want))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got []samplePayload
	require.NoError(t, json.Unmarshal(data, &got))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WriteRaw round-trip mismatch (-want +got):\n%s", diff)
	}
}
