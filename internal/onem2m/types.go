// Package onem2m defines the protocol-level vocabulary of the CSE: resource
// type codes, operations, response status codes, result-content values,
// notification event types, and the canonical Request/Response records that
// every binding adapter normalizes to.
//
// The package is intentionally free of storage, transport, and validation
// logic. It is the shared language between the dispatcher, the resource
// model, and the binding adapters.
package onem2m

// ResourceType is the oneM2M numeric resource type code (TS-0004 m2m:resourceType).
type ResourceType int

// Resource type codes for the supported resource set.
const (
	TypeMixed           ResourceType = 0 // group member type "any"
	TypeACP             ResourceType = 1
	TypeAE              ResourceType = 2
	TypeContainer       ResourceType = 3
	TypeContentInstance ResourceType = 4
	TypeCSEBase         ResourceType = 5
	TypeGroup           ResourceType = 9
	TypeNode            ResourceType = 14
	TypePollingChannel  ResourceType = 15
	TypeRemoteCSE       ResourceType = 16
	TypeRequest         ResourceType = 17
	TypeSubscription    ResourceType = 23
	TypeFlexContainer   ResourceType = 28
	TypeTimeSeries      ResourceType = 29
	TypeAction          ResourceType = 65

	// Announced variants. oneM2M assigns each announceable type a
	// companion code; only the ones the announcement manager produces
	// are listed.
	TypeACPAnnc             ResourceType = 10001
	TypeAEAnnc              ResourceType = 10002
	TypeContainerAnnc       ResourceType = 10003
	TypeContentInstanceAnnc ResourceType = 10004
	TypeGroupAnnc           ResourceType = 10009
	TypeNodeAnnc            ResourceType = 10014
	TypeFlexContainerAnnc   ResourceType = 10028
	TypeTimeSeriesAnnc      ResourceType = 10029
)

// AnnouncedVariant returns the announced companion type for an announceable
// resource type. The second return is false for types that cannot be
// announced.
func (t ResourceType) AnnouncedVariant() (ResourceType, bool) {
	switch t {
	case TypeACP, TypeAE, TypeContainer, TypeContentInstance,
		TypeGroup, TypeNode, TypeFlexContainer, TypeTimeSeries:
		return t + 10000, true
	}
	return 0, false
}

// IsAnnounced reports whether t is an announced variant.
func (t ResourceType) IsAnnounced() bool {
	return t > 10000
}

// ShortName returns the oneM2M short name used as the JSON/CBOR wrapper key
// for the type, e.g. "m2m:cnt" for Container.
func (t ResourceType) ShortName() string {
	if n, ok := typeShortNames[t]; ok {
		return n
	}
	return "m2m:unknown"
}

var typeShortNames = map[ResourceType]string{
	TypeACP:                 "m2m:acp",
	TypeAE:                  "m2m:ae",
	TypeContainer:           "m2m:cnt",
	TypeContentInstance:     "m2m:cin",
	TypeCSEBase:             "m2m:cb",
	TypeGroup:               "m2m:grp",
	TypeNode:                "m2m:nod",
	TypePollingChannel:      "m2m:pch",
	TypeRemoteCSE:           "m2m:csr",
	TypeRequest:             "m2m:req",
	TypeSubscription:        "m2m:sub",
	TypeFlexContainer:       "m2m:fcnt",
	TypeTimeSeries:          "m2m:ts",
	TypeAction:              "m2m:actr",
	TypeACPAnnc:             "m2m:acpA",
	TypeAEAnnc:              "m2m:aeA",
	TypeContainerAnnc:       "m2m:cntA",
	TypeContentInstanceAnnc: "m2m:cinA",
	TypeGroupAnnc:           "m2m:grpA",
	TypeNodeAnnc:            "m2m:nodA",
	TypeFlexContainerAnnc:   "m2m:fcntA",
	TypeTimeSeriesAnnc:      "m2m:tsA",
}

// TypeFromShortName resolves a wrapper key back to its type code.
func TypeFromShortName(name string) (ResourceType, bool) {
	for t, n := range typeShortNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Operation is the oneM2M primitive operation (m2m:operation).
type Operation int

// Primitive operations. Discovery shares the RETRIEVE wire operation but is
// dispatched separately once filter usage is detected.
const (
	OpCreate    Operation = 1
	OpRetrieve  Operation = 2
	OpUpdate    Operation = 3
	OpDelete    Operation = 4
	OpNotify    Operation = 5
	OpDiscovery Operation = 6
)

// String returns the operation name for logging.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpRetrieve:
		return "RETRIEVE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpNotify:
		return "NOTIFY"
	case OpDiscovery:
		return "DISCOVERY"
	}
	return "UNKNOWN"
}

// Permission returns the access-control bit for the operation (§ acop mask).
func (o Operation) Permission() Permission {
	switch o {
	case OpCreate:
		return PermCreate
	case OpRetrieve:
		return PermRetrieve
	case OpUpdate:
		return PermUpdate
	case OpDelete:
		return PermDelete
	case OpNotify:
		return PermNotify
	case OpDiscovery:
		return PermDiscovery
	}
	return 0
}

// Permission is an access-control operation bitmask (m2m:accessControlOperations).
type Permission int

const (
	PermCreate    Permission = 1
	PermRetrieve  Permission = 2
	PermUpdate    Permission = 4
	PermDelete    Permission = 8
	PermNotify    Permission = 16
	PermDiscovery Permission = 32

	// PermAll grants every operation.
	PermAll Permission = 63
)

// Has reports whether the mask includes p.
func (m Permission) Has(p Permission) bool {
	return m&p == p
}

// RSC is a oneM2M Response Status Code (m2m:responseStatusCode).
type RSC int

// Response status codes.
const (
	RSCAccepted                       RSC = 1000
	RSCAcceptedNonBlockingSync        RSC = 1001
	RSCAcceptedNonBlockingAsync       RSC = 1002
	RSCOK                             RSC = 2000
	RSCCreated                        RSC = 2001
	RSCDeleted                        RSC = 2002
	RSCUpdated                        RSC = 2004
	RSCBadRequest                     RSC = 4000
	RSCReleaseVersionNotSupported     RSC = 4001
	RSCNotFound                       RSC = 4004
	RSCOperationNotAllowed            RSC = 4005
	RSCRequestTimeout                 RSC = 4008
	RSCUnsupportedMediaType           RSC = 4015
	RSCOriginatorHasNoPrivilege       RSC = 4103
	RSCGroupRequestIDExists           RSC = 4104
	RSCConflict                       RSC = 4105
	RSCOriginatorNotRegistered        RSC = 4106
	RSCInvalidChildResourceType       RSC = 4108
	RSCGroupMemberTypeInconsistent    RSC = 4110
	RSCAppRuleValidationFailed        RSC = 4115
	RSCAlreadyRegistered              RSC = 4117
	RSCInternalServerError            RSC = 5000
	RSCNotImplemented                 RSC = 5001
	RSCTargetNotReachable             RSC = 5103
	RSCReceiverHasNoPrivilege         RSC = 5105
	RSCAlreadyExists                  RSC = 5106
	RSCTargetNotSubscribable          RSC = 5203
	RSCSubscriptionVerificationFailed RSC = 5204
	RSCNotAcceptable                  RSC = 5207
	RSCGroupMembersNotResponded       RSC = 5209
	RSCRemoteEntityNotReachable       RSC = 6003
	RSCMaxNumberOfMemberExceeded      RSC = 6010
	RSCInvalidArguments               RSC = 6023
)

// IsSuccess reports whether the code signals a successful outcome,
// including the accepted (1xxx) codes for non-blocking requests.
func (r RSC) IsSuccess() bool {
	return r >= 1000 && r < 3000
}

// HTTPStatus maps the RSC to the HTTP status code the binding serializes.
func (r RSC) HTTPStatus() int {
	switch r {
	case RSCOK, RSCDeleted, RSCUpdated:
		return 200
	case RSCCreated:
		return 201
	case RSCAccepted, RSCAcceptedNonBlockingSync, RSCAcceptedNonBlockingAsync:
		return 202
	case RSCBadRequest, RSCInvalidChildResourceType, RSCGroupMemberTypeInconsistent,
		RSCInvalidArguments, RSCAppRuleValidationFailed:
		return 400
	case RSCOriginatorHasNoPrivilege, RSCOriginatorNotRegistered,
		RSCReceiverHasNoPrivilege:
		return 403
	case RSCNotFound, RSCTargetNotReachable, RSCRemoteEntityNotReachable:
		return 404
	case RSCOperationNotAllowed:
		return 405
	case RSCNotAcceptable, RSCTargetNotSubscribable, RSCSubscriptionVerificationFailed:
		return 406
	case RSCRequestTimeout:
		return 408
	case RSCConflict, RSCAlreadyExists, RSCAlreadyRegistered, RSCGroupRequestIDExists:
		return 409
	case RSCUnsupportedMediaType:
		return 415
	case RSCReleaseVersionNotSupported:
		return 418
	case RSCNotImplemented:
		return 501
	case RSCGroupMembersNotResponded:
		return 504
	default:
		return 500
	}
}

// ResultContent selects how the dispatcher shapes a successful result
// (m2m:resultContent).
type ResultContent int

const (
	RCNNothing                 ResultContent = 0
	RCNAttributes              ResultContent = 1
	RCNHierarchicalAddress     ResultContent = 2
	RCNAddressAndAttributes    ResultContent = 3
	RCNAttributesAndChildren   ResultContent = 4
	RCNAttributesAndChildRefs  ResultContent = 5
	RCNChildRefs               ResultContent = 6
	RCNOriginalResource        ResultContent = 7
	RCNChildResources          ResultContent = 8
	RCNModifiedAttributes      ResultContent = 9
	RCNSemanticContent         ResultContent = 10
	RCNSemanticContentAndChild ResultContent = 11
	RCNPermissions             ResultContent = 12
)

// ResponseType selects blocking vs non-blocking request handling
// (m2m:responseTypeValue).
type ResponseType int

const (
	RTNonBlockingSync  ResponseType = 1
	RTNonBlockingAsync ResponseType = 2
	RTBlocking         ResponseType = 3
	RTFlexBlocking     ResponseType = 4
	RTNoResponse       ResponseType = 5
)

// NotificationEventType is the subscription event type (m2m:notificationEventType).
type NotificationEventType int

const (
	NETResourceUpdate       NotificationEventType = 1
	NETResourceDelete       NotificationEventType = 2
	NETCreateDirectChild    NotificationEventType = 3
	NETDeleteDirectChild    NotificationEventType = 4
	NETRetrieveCNTNoChild   NotificationEventType = 5
	NETTriggerReceivedForAE NotificationEventType = 6
	NETBlockingUpdate       NotificationEventType = 7
	NETReportOnMissingData  NotificationEventType = 8
)

// FilterUsage distinguishes plain retrieves from discovery
// (m2m:filterUsage).
type FilterUsage int

const (
	FUNone                FilterUsage = 0
	FUDiscoveryCriteria   FilterUsage = 1
	FUConditionalRetrieve FilterUsage = 2
)

// FilterOperation combines multiple filter conditions (m2m:filterOperation).
type FilterOperation int

const (
	FOAnd FilterOperation = 1
	FOOr  FilterOperation = 2
)

// CSEType is the deployment role of a CSE (m2m:cseTypeID).
type CSEType int

const (
	CSETypeIN  CSEType = 1
	CSETypeMN  CSEType = 2
	CSETypeASN CSEType = 3
)

// ParseCSEType maps the configuration string form to the type code.
func ParseCSEType(s string) (CSEType, bool) {
	switch s {
	case "IN":
		return CSETypeIN, true
	case "MN":
		return CSETypeMN, true
	case "ASN":
		return CSETypeASN, true
	}
	return 0, false
}

// ConsistencyStrategy governs group member-type mismatches (m2m:consistencyStrategy).
type ConsistencyStrategy int

const (
	CSYAbandonMember ConsistencyStrategy = 1
	CSYAbandonGroup  ConsistencyStrategy = 2
	CSYSetMixed      ConsistencyStrategy = 3
)

// Serialization identifies a primitive wire encoding.
type Serialization string

const (
	SerializationJSON Serialization = "json"
	SerializationCBOR Serialization = "cbor"
)

// ContentType returns the media type for the serialization.
func (s Serialization) ContentType() string {
	switch s {
	case SerializationCBOR:
		return "application/cbor"
	default:
		return "application/json"
	}
}

// Origin identifies the binding that delivered a request.
type Origin string

const (
	OriginHTTP     Origin = "http"
	OriginMQTT     Origin = "mqtt"
	OriginWS       Origin = "ws"
	OriginCoAP     Origin = "coap"
	OriginInternal Origin = "internal"
)

// ReleaseVersion values the CSE can speak.
const (
	Release2a = "2a"
	Release3  = "3"
	Release4  = "4"
	Release5  = "5"
)
