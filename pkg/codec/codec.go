// Package codec implements the save payload wire format: JSON,
// gzip-compressed and base64-encoded. Every backend stores game state
// and summaries in this format.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Encode marshals v to JSON, compresses it and base64-encodes the
// result.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %v", err)
	}

	compressed := bytes.NewBuffer(nil)
	compWriter := gzip.NewWriter(compressed)
	if _, err := compWriter.Write(b); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %v", err)
	}
	if err := compWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %v", err)
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(compressed.Len()))
	base64.StdEncoding.Encode(encoded, compressed.Bytes())
	return encoded, nil
}

// Decode reverses Encode. Payloads that were never compressed (older
// saves are plain JSON) are accepted as-is.
func Decode(data []byte, v interface{}) error {
	plain := data
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		if decompressed, err := decompress(decoded); err == nil {
			plain = decompressed
		}
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v", err)
	}
	return nil
}

func decompress(data []byte) ([]byte, error) {
	compReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %v", err)
	}
	defer compReader.Close()
	b, err := io.ReadAll(compReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed payload: %v", err)
	}
	return b, nil
}
