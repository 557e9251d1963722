package onem2m

import "strings"

// Address is a parsed oneM2M target address. The four accepted forms are
//
//	cnt12345                     CSE-relative, unstructured
//	cse-in/myAE/myCnt            CSE-relative, structured (srn)
//	/id-in/cnt12345              SP-relative
//	//sp.example/id-in/cnt12345  absolute
//
// A hybrid form appends structured segments to an unstructured ri, e.g.
// cnt12345/la. The parser does not consult storage; structured vs hybrid is
// settled by the dispatcher against the CSEBase resource name.
type Address struct {
	// SPID is the service provider id, absolute form only.
	SPID string

	// CSI is the addressed CSE-ID without the leading slash; empty for
	// CSE-relative addresses.
	CSI string

	// Path is the CSE-local remainder: an ri, an srn, or a hybrid
	// ri/suffix form.
	Path string
}

// ParseAddress splits a target address into its provider, CSE, and local
// parts. It accepts all four addressing forms and never fails; an empty
// input yields an empty Address.
func ParseAddress(to string) Address {
	switch {
	case strings.HasPrefix(to, "//"):
		rest := strings.TrimPrefix(to, "//")
		parts := strings.SplitN(rest, "/", 3)
		addr := Address{SPID: parts[0]}
		if len(parts) > 1 {
			addr.CSI = parts[1]
		}
		if len(parts) > 2 {
			addr.Path = parts[2]
		}
		return addr
	case strings.HasPrefix(to, "/"):
		rest := strings.TrimPrefix(to, "/")
		parts := strings.SplitN(rest, "/", 2)
		addr := Address{CSI: parts[0]}
		if len(parts) > 1 {
			addr.Path = parts[1]
		}
		return addr
	default:
		return Address{Path: to}
	}
}

// Local reports whether the address targets the CSE identified by cseID
// (with its leading slash) or carries no CSE part at all.
func (a Address) Local(cseID string) bool {
	return a.CSI == "" || "/"+a.CSI == cseID
}

// IsStructured reports whether the local path is a structured name rooted
// at the CSEBase resource name rn.
func (a Address) IsStructured(rn string) bool {
	return a.Path == rn || strings.HasPrefix(a.Path, rn+"/")
}

// FirstSegment returns the first path segment, or the whole path when it
// has no slash.
func (a Address) FirstSegment() string {
	if i := strings.IndexByte(a.Path, '/'); i >= 0 {
		return a.Path[:i]
	}
	return a.Path
}
