package resource

import (
	"net/url"
	"regexp"

	"github.com/piwi3910/cseweave/internal/onem2m"
)

// rnPattern restricts resource names to the unreserved charset; slashes
// would corrupt structured names.
var rnPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateCreate checks attrs against the policy for ty in the CREATE
// direction: unknown attributes rejected (unless the type admits custom
// ones), NP attributes rejected, mandatory attributes required, value
// types checked.
func (r *Registry) ValidateCreate(ty onem2m.ResourceType, attrs map[string]any) error {
	tp, err := r.Policy(ty)
	if err != nil {
		return err
	}

	for name, value := range attrs {
		p, known := tp.Attributes[name]
		if !known {
			if tp.AllowCustom {
				continue
			}
			return errBadAttr(name, "unknown attribute")
		}
		if p.Create == NotPresent {
			return errBadAttr(name, "not allowed in CREATE")
		}
		if value == nil {
			return errBadAttr(name, "null not allowed in CREATE")
		}
		if err := checkValue(p, value); err != nil {
			return err
		}
	}

	for name, p := range tp.Attributes {
		if p.Create == Mandatory {
			if _, ok := attrs[name]; !ok {
				return errBadAttr(name, "mandatory attribute missing")
			}
		}
	}

	if rn, ok := attrs["rn"].(string); ok && !rnPattern.MatchString(rn) {
		return errBadAttr("rn", "invalid resource name")
	}

	return nil
}

// ValidateUpdate checks attrs in the UPDATE direction. Nulls are deletions
// and are allowed for optional attributes only.
func (r *Registry) ValidateUpdate(ty onem2m.ResourceType, attrs map[string]any) error {
	tp, err := r.Policy(ty)
	if err != nil {
		return err
	}

	for name, value := range attrs {
		p, known := tp.Attributes[name]
		if !known {
			if tp.AllowCustom {
				continue
			}
			return errBadAttr(name, "unknown attribute")
		}
		if p.Update == NotPresent {
			return errBadAttr(name, "not allowed in UPDATE")
		}
		if value == nil {
			continue
		}
		if err := checkValue(p, value); err != nil {
			return err
		}
	}

	return nil
}

// checkValue verifies one value against its declared type.
func checkValue(p AttributePolicy, v any) error {
	switch p.Type {
	case TypeAny:
		return nil

	case TypeString, TypeAnyURI, TypeTimestamp, TypeDuration:
		s, ok := v.(string)
		if !ok {
			return errBadAttr(p.ShortName, "expected string")
		}
		switch p.Type {
		case TypeTimestamp:
			if _, err := onem2m.ParseTimestamp(s); err != nil {
				return errBadAttr(p.ShortName, "invalid timestamp")
			}
		case TypeDuration:
			if _, err := onem2m.ParseDuration(s); err != nil {
				return errBadAttr(p.ShortName, "invalid duration")
			}
		case TypeAnyURI:
			if _, err := url.Parse(s); err != nil {
				return errBadAttr(p.ShortName, "invalid URI")
			}
		}
		return nil

	case TypeBool:
		if _, ok := v.(bool); !ok {
			return errBadAttr(p.ShortName, "expected boolean")
		}
		return nil

	case TypeFloat:
		if _, ok := numeric(v); !ok {
			return errBadAttr(p.ShortName, "expected number")
		}
		return nil

	case TypePositiveInt, TypeNonNegInt, TypeUnsignedInt, TypeUnsignedLong, TypeEnum:
		f, ok := numeric(v)
		if !ok {
			return errBadAttr(p.ShortName, "expected integer")
		}
		if f != float64(int64(f)) {
			return errBadAttr(p.ShortName, "expected integer")
		}
		n := int(f)
		switch p.Type {
		case TypePositiveInt:
			if n < 1 {
				return errBadAttr(p.ShortName, "expected positive integer")
			}
		case TypeNonNegInt, TypeUnsignedInt, TypeUnsignedLong:
			if n < 0 {
				return errBadAttr(p.ShortName, "expected non-negative integer")
			}
		case TypeEnum:
			if !p.allows(n) {
				return errBadAttr(p.ShortName, "value outside enumeration range")
			}
		}
		return nil

	case TypeList, TypeStringList:
		items, ok := v.([]any)
		if !ok {
			if _, ok := v.([]string); ok {
				return nil
			}
			return errBadAttr(p.ShortName, "expected list")
		}
		if p.Type == TypeStringList {
			for _, item := range items {
				if _, ok := item.(string); !ok {
					return errBadAttr(p.ShortName, "expected list of strings")
				}
			}
		}
		return nil

	case TypeDict:
		if _, ok := v.(map[string]any); !ok {
			return errBadAttr(p.ShortName, "expected object")
		}
		return nil

	case TypeGeoCoordinates:
		m, ok := v.(map[string]any)
		if !ok {
			return errBadAttr(p.ShortName, "expected geo coordinates object")
		}
		for _, key := range []string{"lat", "lon"} {
			if _, ok := numeric(m[key]); !ok {
				return errBadAttr(p.ShortName, "expected numeric "+key)
			}
		}
		return nil
	}

	return errBadAttr(p.ShortName, "unhandled attribute type")
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
