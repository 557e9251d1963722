package resource

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/piwi3910/cseweave/internal/onem2m"
)

// Resource is the in-memory representation of one tree node. Attributes are
// held as a short-name-keyed map so one representation covers every type;
// the attribute policy table gives the map its shape. Instances are built
// per request and never shared between requests.
type Resource struct {
	// Type is the resource type code.
	Type onem2m.ResourceType `json:"ty"`

	// Attributes holds all attributes by short name, universal ones
	// included. Values use the JSON type system (string, float64, bool,
	// []any, map[string]any).
	Attributes map[string]any `json:"attrs"`
}

// New builds an empty resource of the given type.
func New(ty onem2m.ResourceType) *Resource {
	return &Resource{Type: ty, Attributes: make(map[string]any)}
}

// FromContent builds a resource of type ty from decoded primitive content.
// The wrapper key is stripped when present.
func FromContent(ty onem2m.ResourceType, pc map[string]any) (*Resource, error) {
	attrs := pc
	if len(pc) == 1 {
		for key, inner := range pc {
			m, ok := inner.(map[string]any)
			if !ok {
				return nil, onem2m.ErrBadRequest("primitive content under %s is not an object", key)
			}
			if wrapped, known := onem2m.TypeFromShortName(key); known && wrapped != ty {
				return nil, onem2m.ErrBadRequest("content type %s does not match requested type %d", key, ty)
			}
			attrs = m
		}
	}

	r := New(ty)
	for k, v := range attrs {
		r.Attributes[k] = v
	}
	return r, nil
}

// String attribute accessors. Missing attributes yield zero values.

func (r *Resource) str(name string) string {
	if v, ok := r.Attributes[name].(string); ok {
		return v
	}
	return ""
}

// RI returns the resource identifier.
func (r *Resource) RI() string { return r.str("ri") }

// RN returns the resource name.
func (r *Resource) RN() string { return r.str("rn") }

// PI returns the parent resource identifier; empty for the CSEBase.
func (r *Resource) PI() string { return r.str("pi") }

// CT returns the creation time.
func (r *Resource) CT() string { return r.str("ct") }

// LT returns the last-modified time.
func (r *Resource) LT() string { return r.str("lt") }

// ET returns the expiration time; empty means never.
func (r *Resource) ET() string { return r.str("et") }

// ACPI returns the referenced access-control-policy identifiers.
func (r *Resource) ACPI() []string { return r.StringList("acpi") }

// Labels returns the lbl attribute.
func (r *Resource) Labels() []string { return r.StringList("lbl") }

// AnnounceTo returns the at attribute (target CSE-IDs for announcement).
func (r *Resource) AnnounceTo() []string { return r.StringList("at") }

// AnnouncedAttributes returns the aa attribute.
func (r *Resource) AnnouncedAttributes() []string { return r.StringList("aa") }

// StringList coerces a list attribute to []string, skipping non-strings.
func (r *Resource) StringList(name string) []string {
	raw, ok := r.Attributes[name].([]any)
	if !ok {
		if typed, ok := r.Attributes[name].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Int coerces a numeric attribute to int. The second return is false when
// the attribute is absent or not numeric.
func (r *Resource) Int(name string) (int, bool) {
	switch v := r.Attributes[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// Bool returns a boolean attribute.
func (r *Resource) Bool(name string) bool {
	v, _ := r.Attributes[name].(bool)
	return v
}

// Set assigns an attribute.
func (r *Resource) Set(name string, value any) {
	r.Attributes[name] = value
}

// Expired reports whether the resource's et lies before now.
func (r *Resource) Expired(now time.Time) bool {
	et := r.ET()
	return et != "" && onem2m.TimestampPast(et, now)
}

// Stamp assigns the CSE-managed identity and bookkeeping attributes at
// creation time. The et is clamped to maxDelta when absent or too far out.
func (r *Resource) Stamp(ri, pi string, now time.Time, maxDelta time.Duration) {
	r.Set("ri", ri)
	r.Set("pi", pi)
	r.Set("ty", float64(r.Type))
	if r.RN() == "" {
		r.Set("rn", strings.ToLower(typePrefix(r.Type))+"_"+ri)
	}
	ct := onem2m.Timestamp(now)
	r.Set("ct", ct)
	r.Set("lt", ct)

	ceiling := onem2m.Timestamp(now.Add(maxDelta))
	if et := r.ET(); et == "" || et > ceiling {
		r.Set("et", ceiling)
	}
}

// Touch refreshes lt.
func (r *Resource) Touch(now time.Time) {
	r.Set("lt", onem2m.Timestamp(now))
}

// ApplyUpdate merges update content: present attributes replace, nils
// delete. Identity attributes are protected by validation before this is
// called.
func (r *Resource) ApplyUpdate(attrs map[string]any, now time.Time) map[string]any {
	modified := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if v == nil {
			delete(r.Attributes, k)
			modified[k] = nil
			continue
		}
		r.Attributes[k] = v
		modified[k] = v
	}
	r.Touch(now)
	modified["lt"] = r.Attributes["lt"]
	return modified
}

// Representation returns the wrapped single-key map form used in primitive
// content, e.g. {"m2m:cnt": {...}}.
func (r *Resource) Representation() map[string]any {
	return map[string]any{r.Type.ShortName(): r.Attributes}
}

// PartialRepresentation keeps only the named attributes, for Release-5
// partial retrieve.
func (r *Resource) PartialRepresentation(atrl []string) map[string]any {
	inner := make(map[string]any, len(atrl))
	for _, name := range atrl {
		if v, ok := r.Attributes[name]; ok {
			inner[name] = v
		}
	}
	return map[string]any{r.Type.ShortName(): inner}
}

// Clone deep-copies the resource via a JSON round trip. Attribute maps are
// plain JSON values, so the round trip is lossless.
func (r *Resource) Clone() *Resource {
	data, err := json.Marshal(r.Attributes)
	if err != nil {
		// Attributes always originate from decoded JSON/CBOR; marshal
		// cannot fail on them.
		panic(err)
	}
	attrs := make(map[string]any, len(r.Attributes))
	if err := json.Unmarshal(data, &attrs); err != nil {
		panic(err)
	}
	return &Resource{Type: r.Type, Attributes: attrs}
}

// ContentSize returns the serialized size of the con attribute; used for
// container mbs accounting.
func (r *Resource) ContentSize() int {
	con, ok := r.Attributes["con"]
	if !ok {
		return 0
	}
	data, err := json.Marshal(con)
	if err != nil {
		return 0
	}
	return len(data)
}

// GenerateRI produces a new resource identifier of the configured length.
func GenerateRI(ty onem2m.ResourceType, length int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if length > len(raw) {
		length = len(raw)
	}
	return typePrefix(ty) + raw[:length]
}

// typePrefix gives identifiers a readable type hint, matching common CSE
// practice (cnt..., sub..., acp...).
func typePrefix(ty onem2m.ResourceType) string {
	switch ty {
	case onem2m.TypeACP:
		return "acp"
	case onem2m.TypeAE:
		return "ae"
	case onem2m.TypeContainer:
		return "cnt"
	case onem2m.TypeContentInstance:
		return "cin"
	case onem2m.TypeCSEBase:
		return "cb"
	case onem2m.TypeGroup:
		return "grp"
	case onem2m.TypeRemoteCSE:
		return "csr"
	case onem2m.TypeRequest:
		return "req"
	case onem2m.TypeSubscription:
		return "sub"
	case onem2m.TypeFlexContainer:
		return "fcnt"
	case onem2m.TypeTimeSeries:
		return "ts"
	case onem2m.TypeNode:
		return "nod"
	case onem2m.TypePollingChannel:
		return "pch"
	case onem2m.TypeAction:
		return "actr"
	default:
		return "res"
	}
}
