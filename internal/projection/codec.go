package projection

import (
	"encoding/json"
	"fmt"
)

// Codec converts projection values to and from snapshot payloads.
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	// Unmarshal decodes a stored payload. contentType is the type recorded
	// when the snapshot was written, or empty if none was.
	Unmarshal(data []byte, contentType string) (T, error)
	// ContentType names the encoding Marshal produces for v.
	ContentType(v T) string
}

// JSONCodec stores values as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Unmarshal(data []byte, _ string) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decoding projection: %w", err)
	}
	return v, nil
}

func (JSONCodec[T]) ContentType(T) string { return "application/json" }

// Raw is an opaque projection value with the content type it was published
// under.
type Raw struct {
	Data        []byte
	ContentType string
}

// RawCodec passes payloads through unchanged and keeps their recorded
// content type. The daemon uses it for projections whose value type it does
// not know. Default is served for payloads stored without a type.
type RawCodec struct {
	Default string
}

func (RawCodec) Marshal(v Raw) ([]byte, error) { return v.Data, nil }

func (RawCodec) Unmarshal(data []byte, contentType string) (Raw, error) {
	return Raw{Data: data, ContentType: contentType}, nil
}

func (c RawCodec) ContentType(v Raw) string {
	switch {
	case v.ContentType != "":
		return v.ContentType
	case c.Default != "":
		return c.Default
	}
	return "application/octet-stream"
}
