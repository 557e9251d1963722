package onem2m

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Serializer encodes and decodes primitive content for one wire encoding.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Encode serializes the primitive content map.
	Encode(pc map[string]any) ([]byte, error)

	// Decode parses raw primitive content into the single-key wrapper map.
	Decode(data []byte) (map[string]any, error)

	// Serialization identifies the encoding.
	Serialization() Serialization
}

// SerializerFor returns the serializer for the given encoding.
// Unknown encodings fall back to JSON.
func SerializerFor(s Serialization) Serializer {
	if s == SerializationCBOR {
		return cborSerializer{}
	}
	return jsonSerializer{}
}

// SerializationFromContentType extracts the encoding and optional ty
// parameter from a media type like "application/json;ty=3".
func SerializationFromContentType(ct string) (Serialization, ResourceType, error) {
	parts := strings.Split(ct, ";")
	var ty ResourceType
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if v, ok := strings.CutPrefix(p, "ty="); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return "", 0, fmt.Errorf("invalid ty parameter %q", v)
			}
			ty = ResourceType(n)
		}
	}
	switch strings.TrimSpace(parts[0]) {
	case "application/json", "application/vnd.onem2m-res+json", "":
		return SerializationJSON, ty, nil
	case "application/cbor", "application/vnd.onem2m-res+cbor":
		return SerializationCBOR, ty, nil
	default:
		return "", 0, fmt.Errorf("unsupported media type %q", parts[0])
	}
}

type jsonSerializer struct{}

func (jsonSerializer) Encode(pc map[string]any) ([]byte, error) {
	data, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json primitive: %w", err)
	}
	return data, nil
}

func (jsonSerializer) Decode(data []byte) (map[string]any, error) {
	var pc map[string]any
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("failed to decode json primitive: %w", err)
	}
	return pc, nil
}

func (jsonSerializer) Serialization() Serialization { return SerializationJSON }

type cborSerializer struct{}

func (cborSerializer) Encode(pc map[string]any) ([]byte, error) {
	data, err := cbor.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cbor primitive: %w", err)
	}
	return data, nil
}

func (cborSerializer) Decode(data []byte) (map[string]any, error) {
	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		// Some encoders emit string-keyed maps directly.
		var pc map[string]any
		if err2 := cbor.Unmarshal(data, &pc); err2 == nil {
			return normalizeCBOR(pc), nil
		}
		return nil, fmt.Errorf("failed to decode cbor primitive: %w", err)
	}
	return normalizeCBOR(stringifyKeys(raw)), nil
}

func (cborSerializer) Serialization() Serialization { return SerializationCBOR }

// stringifyKeys converts CBOR's interface-keyed maps to string-keyed maps
// so the rest of the pipeline sees one shape regardless of encoding.
func stringifyKeys(in map[any]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[fmt.Sprintf("%v", k)] = v
	}
	return out
}

func normalizeCBOR(in map[string]any) map[string]any {
	for k, v := range in {
		switch vv := v.(type) {
		case map[any]any:
			in[k] = normalizeCBOR(stringifyKeys(vv))
		case []any:
			for i, e := range vv {
				if m, ok := e.(map[any]any); ok {
					vv[i] = normalizeCBOR(stringifyKeys(m))
				}
			}
		case uint64:
			// json decoding yields float64 for numbers; align so the
			// attribute validator sees one numeric type.
			in[k] = float64(vv)
		case int64:
			in[k] = float64(vv)
		}
	}
	return in
}
