// Package snapshot moves a node's durable state between its SQL store and a
// content-addressed blob sink (local directory, S3, or GCS).
//
// A snapshot is the JSON encoding of store.State wrapped in an Envelope. Its
// reference is "sha256:<hex>" over the encoded bytes, so exporting identical
// state twice yields the same reference and Import can detect corruption.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/store"
)

// FormatVersion is bumped whenever Envelope changes incompatibly.
const FormatVersion = 1

const refPrefix = "sha256:"

// Sink is a content-addressed blob store.
type Sink interface {
	// Put stores data and returns its reference. Storing the same bytes twice
	// is a no-op that returns the same reference.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// StateStore is the slice of *store.SQLStore snapshots need.
type StateStore interface {
	LoadState(ctx context.Context) (store.State, error)
	SaveState(ctx context.Context, state store.State) error
}

type Envelope struct {
	Version   int         `json:"version"`
	Node      string      `json:"node"`
	CreatedAt time.Time   `json:"created_at"`
	State     store.State `json:"state"`
}

// Export reads the full state from st and writes it to sink.
func Export(ctx context.Context, st StateStore, sink Sink, node string, now time.Time) (string, error) {
	state, err := st.LoadState(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot export: %w", err)
	}
	data, err := json.Marshal(Envelope{Version: FormatVersion, Node: node, CreatedAt: now.UTC(), State: state})
	if err != nil {
		return "", fmt.Errorf("snapshot encode: %w", err)
	}
	ref, err := sink.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("snapshot export: %w", err)
	}
	return ref, nil
}

// Import fetches ref from sink, checks its digest and writes the state into st.
// Existing rows with the same ids are overwritten.
func Import(ctx context.Context, st StateStore, sink Sink, ref string) (Envelope, error) {
	if _, err := parseRef(ref); err != nil {
		return Envelope{}, err
	}
	data, err := sink.Get(ctx, ref)
	if err != nil {
		return Envelope{}, fmt.Errorf("snapshot import: %w", err)
	}
	if got := Ref(data); got != ref {
		return Envelope{}, errorir.VerificationFailed(fmt.Sprintf("snapshot digest mismatch: want %s, got %s", ref, got))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errorir.Wrap(errorir.ErrMalformed, err, "decode snapshot %s", ref)
	}
	if env.Version != FormatVersion {
		return Envelope{}, errorir.Malformed("unsupported snapshot version %d", env.Version)
	}
	if err := st.SaveState(ctx, env.State); err != nil {
		return Envelope{}, fmt.Errorf("snapshot import: %w", err)
	}
	return env, nil
}

// Ref returns the content reference for data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates "sha256:<hex>" and returns the hex digest.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", errorir.Malformed("invalid snapshot reference %q", ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", errorir.Malformed("invalid snapshot reference %q", ref)
	}
	return digest, nil
}
