package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// CompressPayload deflates the message payload in place and sets the
// Compressed flag. The deflate bytes are carried as a base64 JSON string so
// the envelope stays valid JSON. Messages already compressed, without a
// payload, or whose payload does not shrink are left untouched.
func CompressPayload(m *Message) error {
	if m.Compressed || len(m.Payload) == 0 {
		return nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return fmt.Errorf("create flate writer: %w", err)
	}
	if _, err := w.Write(m.Payload); err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flush compressed payload: %w", err)
	}

	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("encode compressed payload: %w", err)
	}
	if len(encoded) >= len(m.Payload) {
		return nil
	}

	m.Payload = encoded
	m.Compressed = true
	return nil
}

// DecompressPayload restores the original JSON payload of a compressed
// message in place.
func DecompressPayload(m *Message) error {
	if !m.Compressed || len(m.Payload) == 0 {
		return nil
	}

	var b64 string
	if err := json.Unmarshal(m.Payload, &b64); err != nil {
		return fmt.Errorf("decode compressed payload wrapper: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode compressed payload: %w", err)
	}

	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("decompress payload: %w", err)
	}

	m.Payload = data
	m.Compressed = false
	return nil
}
