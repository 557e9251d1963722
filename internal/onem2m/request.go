package onem2m

import "time"

// Request is the canonical primitive record every binding adapter produces.
// Field names follow the oneM2M short names so that log lines and stored
// <request> resources read like the wire protocol.
type Request struct {
	// Op is the primitive operation.
	Op Operation `json:"op"`

	// To is the target address in any accepted form (ri, srn,
	// SP-relative, absolute, hybrid).
	To string `json:"to"`

	// From is the originator identifier (AE-ID or CSE-ID).
	From string `json:"fr"`

	// RQI is the request identifier, unique per originator.
	RQI string `json:"rqi"`

	// RVI is the release version indicator ("2a".."5").
	RVI string `json:"rvi,omitempty"`

	// Ty is the resource type to create; only meaningful for CREATE.
	Ty ResourceType `json:"ty,omitempty"`

	// PC is the decoded primitive content: a single-key map wrapping the
	// resource representation, e.g. {"m2m:cnt": {...}}. Nil when the
	// operation carries no content.
	PC map[string]any `json:"pc,omitempty"`

	// RawPC is the undecoded payload as delivered by the binding. The
	// dispatcher decodes it with the serializer selected by ContentType
	// when PC is nil.
	RawPC []byte `json:"-"`

	// ContentType is the wire serialization of RawPC.
	ContentType Serialization `json:"-"`

	// RCN selects result shaping.
	RCN ResultContent `json:"rcn,omitempty"`

	// RT selects blocking vs non-blocking handling. Zero means blocking.
	RT ResponseType `json:"rt,omitempty"`

	// RTU lists response target URIs for non-blocking async responses.
	RTU []string `json:"rtu,omitempty"`

	// FC carries discovery filter criteria.
	FC *FilterCriteria `json:"fc,omitempty"`

	// OT is the originating timestamp.
	OT string `json:"ot,omitempty"`

	// RQET is the request expiration timestamp; the dispatcher rejects
	// the request once it is past.
	RQET string `json:"rqet,omitempty"`

	// RSET is the result expiration timestamp.
	RSET string `json:"rset,omitempty"`

	// EC is the event category.
	EC string `json:"ec,omitempty"`

	// VSI is the vendor-specific information passthrough.
	VSI string `json:"vsi,omitempty"`

	// DRT selects the desired identifier result type (structured vs
	// unstructured) for discovery results.
	DRT int `json:"drt,omitempty"`

	// GID is the group request identifier used to break fan-out loops
	// across nested groups.
	GID string `json:"gid,omitempty"`

	// Atrl is the Release-5 partial-retrieve attribute list.
	Atrl []string `json:"atrl,omitempty"`

	// Origin is the binding that delivered the request.
	Origin Origin `json:"-"`

	// Hops counts transit forwards; used for loop detection.
	Hops int `json:"-"`

	// Trail records the CSE-IDs the request passed through.
	Trail []string `json:"-"`

	// Received is the local arrival time, set by the binding.
	Received time.Time `json:"-"`
}

// Response is the canonical primitive response.
type Response struct {
	// RSC is the response status code.
	RSC RSC `json:"rsc"`

	// RQI echoes the request identifier.
	RQI string `json:"rqi"`

	// PC is the result content; shape depends on the request's rcn.
	PC map[string]any `json:"pc,omitempty"`

	// From is the responding CSE-ID.
	From string `json:"fr,omitempty"`

	// To echoes the originator.
	To string `json:"to,omitempty"`

	// OT is the response origination timestamp.
	OT string `json:"ot,omitempty"`

	// RVI echoes the negotiated release version.
	RVI string `json:"rvi,omitempty"`
}

// FilterCriteria carries discovery and conditional-retrieve conditions
// (m2m:filterCriteria). Zero values mean "not set".
type FilterCriteria struct {
	// FU is the filter usage (discovery vs conditional retrieve).
	FU FilterUsage `json:"fu,omitempty"`

	// FO combines the conditions (AND default).
	FO FilterOperation `json:"fo,omitempty"`

	// Ty restricts matches to the listed resource types.
	Ty []ResourceType `json:"ty,omitempty"`

	// Lbl restricts matches to resources carrying any of the labels.
	Lbl []string `json:"lbl,omitempty"`

	// CRA/CRB bound creation time (created after / before).
	CRA string `json:"cra,omitempty"`
	CRB string `json:"crb,omitempty"`

	// MS/US bound last-modified time (modified since / unmodified since).
	MS string `json:"ms,omitempty"`
	US string `json:"us,omitempty"`

	// SZA/SZB bound content size (above / below), ContentInstance only.
	SZA int `json:"sza,omitempty"`
	SZB int `json:"szb,omitempty"`

	// Lim caps the number of returned matches.
	Lim int `json:"lim,omitempty"`

	// Ofst skips the first matches for paging.
	Ofst int `json:"ofst,omitempty"`

	// Lvl caps the tree depth below the target.
	Lvl int `json:"lvl,omitempty"`

	// Arp applies the filter relative to an attribute resource path.
	Arp string `json:"arp,omitempty"`
}

// IsDiscovery reports whether the criteria request discovery semantics.
func (fc *FilterCriteria) IsDiscovery() bool {
	return fc != nil && fc.FU == FUDiscoveryCriteria
}

// ErrorResponse builds a Response conveying err for the given request.
// Non-domain errors collapse to RSC 5000.
func ErrorResponse(req *Request, err error, cseID string) *Response {
	return &Response{
		RSC:  RSCFromError(err),
		RQI:  req.RQI,
		From: cseID,
		To:   req.From,
		OT:   TimestampNow(),
		PC:   map[string]any{"m2m:dbg": err.Error()},
	}
}

// SuccessResponse builds a Response with the given code and content.
func SuccessResponse(req *Request, rsc RSC, pc map[string]any, cseID string) *Response {
	return &Response{
		RSC:  rsc,
		RQI:  req.RQI,
		PC:   pc,
		From: cseID,
		To:   req.From,
		OT:   TimestampNow(),
		RVI:  req.RVI,
	}
}
