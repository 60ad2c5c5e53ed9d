// Package enroll persists completed captures to the remote store, guarding
// against incomplete payloads before any network call is made.
package enroll

import (
	"context"
	"time"

	"github.com/pulsogym/huellad/internal/helper"
)

// Store is the subset of the remote store client the bridge uses. Narrowed
// to an interface so the bridge is trivially testable with a fake.
type Store interface {
	Insert(ctx context.Context, table string, row map[string]any) (string, error)
	Upsert(ctx context.Context, table string, row map[string]any, conflictCols []string) (string, error)
}

// conflictKey is the upsert key for repeat enrollment of the same finger.
var conflictKey = []string{"client_id", "finger_label"}

// Bridge writes validated capture rows to the remote store.
type Bridge struct {
	store Store
	table string
}

// New creates a bridge targeting the given table.
func New(store Store, table string) *Bridge {
	return &Bridge{store: store, table: table}
}

// Persist validates the payload's encryption fields and upserts a row keyed
// on (client_id, finger_label), returning the row id. Validation failure is
// reported before any remote call: an incomplete capture is never persisted.
func (b *Bridge) Persist(ctx context.Context, clientID, fingerLabel string, payload helper.Payload) (string, error) {
	if err := payload.ValidateEncryption(); err != nil {
		return "", err
	}
	return b.store.Upsert(ctx, b.table, buildRow(clientID, fingerLabel, payload), conflictKey)
}

// PersistInsert is the insert-only variant used by the standalone ingest
// endpoint, where rows are keyed by auto id.
func (b *Bridge) PersistInsert(ctx context.Context, clientID, fingerLabel string, payload helper.Payload) (string, error) {
	if err := payload.ValidateEncryption(); err != nil {
		return "", err
	}
	return b.store.Insert(ctx, b.table, buildRow(clientID, fingerLabel, payload))
}

// buildRow carries the recognized payload fields as columns plus the full
// raw object for audit.
func buildRow(clientID, fingerLabel string, payload helper.Payload) map[string]any {
	row := map[string]any{
		"client_id":          clientID,
		"finger_label":       nil,
		"format":             payload.Format,
		"template_len":       payload.TemplateLen,
		"image_width":        payload.ImageWidth,
		"image_height":       payload.ImageHeight,
		"dpi":                payload.DPI,
		"enc_nonce_b64":      payload.EncNonceB64,
		"enc_tag_b64":        payload.EncTagB64,
		"enc_ciphertext_b64": payload.EncCiphertextB64,
		"source_device":      payload.SourceDevice,
		"raw":                payload.Raw,
		"captured_at":        time.Now().UTC().Format(time.RFC3339),
	}
	if fingerLabel != "" {
		row["finger_label"] = fingerLabel
	}
	return row
}
