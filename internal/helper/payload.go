package helper

import "errors"

// ErrMissingEncryptionFields indicates a capture payload arrived without the
// complete set of encryption fields and must not be persisted.
var ErrMissingEncryptionFields = errors.New("helper: payload missing encryption fields")

// Payload is the JSON object emitted by the helper on a successful capture.
// The recognized fields are the ones downstream logic branches on or the
// remote row stores as columns; everything else rides along in Raw. The
// template itself is pre-encrypted opaque data: the agent validates presence
// and shape only, never the ciphertext.
type Payload struct {
	Format           string
	TemplateLen      int
	ImageWidth       int
	ImageHeight      int
	DPI              int
	EncNonceB64      string
	EncTagB64        string
	EncCiphertextB64 string
	SourceDevice     string

	// Raw is the full object as the helper emitted it, kept for audit.
	Raw map[string]any
}

// PayloadFromMap projects the recognized fields out of a parsed helper object.
func PayloadFromMap(obj map[string]any) Payload {
	return Payload{
		Format:           stringField(obj, "format"),
		TemplateLen:      intField(obj, "template_len"),
		ImageWidth:       intField(obj, "image_width"),
		ImageHeight:      intField(obj, "image_height"),
		DPI:              intField(obj, "dpi"),
		EncNonceB64:      stringField(obj, "enc_nonce_b64"),
		EncTagB64:        stringField(obj, "enc_tag_b64"),
		EncCiphertextB64: stringField(obj, "enc_ciphertext_b64"),
		SourceDevice:     stringField(obj, "source_device"),
		Raw:              obj,
	}
}

// ValidateEncryption checks the three enc_* fields are present and non-empty.
// A payload failing this check is incomplete or corrupt and is rejected
// before any remote call is attempted.
func (p Payload) ValidateEncryption() error {
	if p.EncNonceB64 == "" || p.EncTagB64 == "" || p.EncCiphertextB64 == "" {
		return ErrMissingEncryptionFields
	}
	return nil
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

func intField(obj map[string]any, key string) int {
	switch v := obj[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
