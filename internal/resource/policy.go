// Package resource implements the typed resource model of the CSE: the
// attribute policy tables, type-compatibility matrix, request validation,
// and the in-memory resource representation the dispatcher works on.
//
// The attribute policy table is the single source of truth for validation;
// there are no hand-written per-field validators.
package resource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/piwi3910/cseweave/internal/onem2m"
)

// AttrType is the declared value type of an attribute.
type AttrType int

const (
	TypePositiveInt AttrType = iota + 1
	TypeNonNegInt
	TypeUnsignedInt
	TypeUnsignedLong
	TypeString
	TypeTimestamp
	TypeDuration
	TypeList
	TypeStringList
	TypeDict
	TypeAnyURI
	TypeBool
	TypeFloat
	TypeGeoCoordinates
	TypeEnum

	// TypeAny accepts any JSON value; used for opaque content attributes.
	TypeAny
)

// Optionality governs attribute presence per operation.
type Optionality int

const (
	// Optional attributes may be present.
	Optional Optionality = iota
	// Mandatory attributes must be present on CREATE.
	Mandatory
	// NotPresent attributes must not appear in the request.
	NotPresent
)

// AnnouncePolicy governs whether an attribute is mirrored to announced
// variants.
type AnnouncePolicy int

const (
	// NotAnnounced attributes never appear on the announced resource.
	NotAnnounced AnnouncePolicy = iota
	// MandatoryAnnounced attributes are always mirrored.
	MandatoryAnnounced
	// OptionalAnnounced attributes are mirrored when listed in aa.
	OptionalAnnounced
)

// AttributePolicy describes one attribute of one (or several) resource
// types.
type AttributePolicy struct {
	// ShortName is the oneM2M short attribute name ("mni", "acpi", ...).
	ShortName string

	// Type is the declared value type.
	Type AttrType

	// Create / Update set per-operation optionality.
	Create Optionality
	Update Optionality

	// Announce controls mirroring to announced variants.
	Announce AnnouncePolicy

	// EnumRange restricts enumeration values, e.g. "1..7,33..63".
	// Only meaningful for TypeEnum.
	EnumRange string
}

// allows reports whether raw n is inside the enum range policy.
func (p AttributePolicy) allows(n int) bool {
	if p.EnumRange == "" {
		return true
	}
	for _, part := range strings.Split(p.EnumRange, ",") {
		if lo, hi, ok := strings.Cut(part, ".."); ok {
			l, err1 := strconv.Atoi(lo)
			h, err2 := strconv.Atoi(hi)
			if err1 == nil && err2 == nil && n >= l && n <= h {
				return true
			}
			continue
		}
		if v, err := strconv.Atoi(part); err == nil && v == n {
			return true
		}
	}
	return false
}

// TypePolicy is the full attribute policy of one resource type.
type TypePolicy struct {
	// Type is the resource type code.
	Type onem2m.ResourceType

	// ShortName is the wrapper key ("m2m:cnt").
	ShortName string

	// Attributes maps short attribute names to their policies,
	// universal attributes included.
	Attributes map[string]AttributePolicy

	// ChildTypes lists the resource types this type admits as children.
	ChildTypes []onem2m.ResourceType

	// AllowCustom admits attributes beyond the table. FlexContainer
	// specializations and announced variants carry originator-defined
	// attributes that no static table can enumerate.
	AllowCustom bool

	// Virtual marks computed resources (la, ol, fopt) that are never
	// stored. Virtual types have no policy entries of their own here;
	// the flag exists for completeness of the matrix.
	Virtual bool
}

// AdmitsChild reports whether ty is an allowed direct child.
func (tp *TypePolicy) AdmitsChild(ty onem2m.ResourceType) bool {
	for _, c := range tp.ChildTypes {
		if c == ty {
			return true
		}
	}
	return false
}

// Registry holds the loaded type policies. It is populated once at startup
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	policies map[onem2m.ResourceType]*TypePolicy
}

// NewRegistry builds a registry with the built-in policies for the shipped
// resource set. FlexContainer specialization policies can be added with
// Register before the registry is handed to the dispatcher.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[onem2m.ResourceType]*TypePolicy)}
	for _, tp := range builtinPolicies() {
		r.policies[tp.Type] = tp
	}
	return r
}

// Register adds or replaces a type policy.
func (r *Registry) Register(tp *TypePolicy) {
	r.policies[tp.Type] = tp
}

// Policy returns the policy for ty.
func (r *Registry) Policy(ty onem2m.ResourceType) (*TypePolicy, error) {
	tp, ok := r.policies[ty]
	if !ok {
		return nil, onem2m.Errorf(onem2m.RSCBadRequest, "unsupported resource type %d", ty)
	}
	return tp, nil
}

// AdmitsChild checks the parent/child type-compatibility matrix.
func (r *Registry) AdmitsChild(parent, child onem2m.ResourceType) error {
	tp, err := r.Policy(parent)
	if err != nil {
		return err
	}
	if !tp.AdmitsChild(child) {
		return onem2m.Errorf(onem2m.RSCInvalidChildResourceType,
			"resource type %d does not admit child type %d", parent, child)
	}
	return nil
}

// universalAttributes are shared by every resource type. Identity and
// bookkeeping attributes are CSE-assigned and therefore NP in requests.
func universalAttributes() map[string]AttributePolicy {
	return map[string]AttributePolicy{
		"rn":   {ShortName: "rn", Type: TypeString, Create: Optional, Update: NotPresent},
		"ri":   {ShortName: "ri", Type: TypeString, Create: NotPresent, Update: NotPresent},
		"pi":   {ShortName: "pi", Type: TypeString, Create: NotPresent, Update: NotPresent},
		"ty":   {ShortName: "ty", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
		"ct":   {ShortName: "ct", Type: TypeTimestamp, Create: NotPresent, Update: NotPresent, Announce: MandatoryAnnounced},
		"lt":   {ShortName: "lt", Type: TypeTimestamp, Create: NotPresent, Update: NotPresent, Announce: MandatoryAnnounced},
		"et":   {ShortName: "et", Type: TypeTimestamp, Create: Optional, Update: Optional, Announce: MandatoryAnnounced},
		"lbl":  {ShortName: "lbl", Type: TypeStringList, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
		"cr":   {ShortName: "cr", Type: TypeString, Create: Optional, Update: NotPresent},
		"acpi": {ShortName: "acpi", Type: TypeStringList, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
		"at":   {ShortName: "at", Type: TypeStringList, Create: Optional, Update: Optional},
		"aa":   {ShortName: "aa", Type: TypeStringList, Create: Optional, Update: Optional},
		"ast":  {ShortName: "ast", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
	}
}

// merge copies the universal attributes and overlays the type-specific ones.
func merge(specific map[string]AttributePolicy) map[string]AttributePolicy {
	out := universalAttributes()
	for k, v := range specific {
		out[k] = v
	}
	return out
}

func ptype(ty onem2m.ResourceType, specific map[string]AttributePolicy, children ...onem2m.ResourceType) *TypePolicy {
	return &TypePolicy{
		Type:       ty,
		ShortName:  ty.ShortName(),
		Attributes: merge(specific),
		ChildTypes: children,
	}
}

// errBadAttr is a helper for uniform validation failures.
func errBadAttr(name, reason string) error {
	return onem2m.Errorf(onem2m.RSCBadRequest, "attribute %s: %s", name, reason)
}

// ParseEnumRange validates an enum range policy string at registration
// time. It exists so specialization policy files fail fast on typos.
func ParseEnumRange(s string) error {
	if s == "" {
		return nil
	}
	for _, part := range strings.Split(s, ",") {
		if lo, hi, ok := strings.Cut(part, ".."); ok {
			if _, err := strconv.Atoi(lo); err != nil {
				return fmt.Errorf("invalid enum range %q: %w", s, err)
			}
			if _, err := strconv.Atoi(hi); err != nil {
				return fmt.Errorf("invalid enum range %q: %w", s, err)
			}
			continue
		}
		if _, err := strconv.Atoi(part); err != nil {
			return fmt.Errorf("invalid enum range %q: %w", s, err)
		}
	}
	return nil
}
