package resource

import "github.com/piwi3910/cseweave/internal/onem2m"

// builtinPolicies returns the attribute policies and child-type matrix for
// the shipped resource set. Attribute coverage follows the operational
// subset of TS-0001/TS-0004; specializations extend the registry at
// startup.
func builtinPolicies() []*TypePolicy {
	cseBase := ptype(onem2m.TypeCSEBase, map[string]AttributePolicy{
		"cst": {ShortName: "cst", Type: TypeEnum, Create: NotPresent, Update: NotPresent, EnumRange: "1..3"},
		"csi": {ShortName: "csi", Type: TypeString, Create: NotPresent, Update: NotPresent},
		"srt": {ShortName: "srt", Type: TypeList, Create: NotPresent, Update: NotPresent},
		"srv": {ShortName: "srv", Type: TypeStringList, Create: NotPresent, Update: NotPresent},
		"poa": {ShortName: "poa", Type: TypeStringList, Create: NotPresent, Update: Optional},
		"ctm": {ShortName: "ctm", Type: TypeTimestamp, Create: NotPresent, Update: NotPresent},
	},
		onem2m.TypeACP, onem2m.TypeAE, onem2m.TypeContainer, onem2m.TypeGroup,
		onem2m.TypeRemoteCSE, onem2m.TypeSubscription, onem2m.TypeNode,
		onem2m.TypeRequest, onem2m.TypeFlexContainer, onem2m.TypeTimeSeries,
		onem2m.TypeAction,
		onem2m.TypeAEAnnc, onem2m.TypeContainerAnnc, onem2m.TypeGroupAnnc,
		onem2m.TypeNodeAnnc, onem2m.TypeFlexContainerAnnc, onem2m.TypeTimeSeriesAnnc,
		onem2m.TypeACPAnnc,
	)

	ae := ptype(onem2m.TypeAE, map[string]AttributePolicy{
		"api": {ShortName: "api", Type: TypeString, Create: Mandatory, Update: NotPresent, Announce: MandatoryAnnounced},
		"aei": {ShortName: "aei", Type: TypeString, Create: NotPresent, Update: NotPresent},
		"apn": {ShortName: "apn", Type: TypeString, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
		"poa": {ShortName: "poa", Type: TypeStringList, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
		"rr":  {ShortName: "rr", Type: TypeBool, Create: Mandatory, Update: Optional},
		"srv": {ShortName: "srv", Type: TypeStringList, Create: Optional, Update: Optional},
		"nl":  {ShortName: "nl", Type: TypeString, Create: Optional, Update: Optional},
		"csz": {ShortName: "csz", Type: TypeStringList, Create: Optional, Update: Optional},
	},
		onem2m.TypeContainer, onem2m.TypeFlexContainer, onem2m.TypeGroup,
		onem2m.TypeSubscription, onem2m.TypeACP, onem2m.TypePollingChannel,
		onem2m.TypeTimeSeries, onem2m.TypeAction,
	)

	container := ptype(onem2m.TypeContainer, map[string]AttributePolicy{
		"mni": {ShortName: "mni", Type: TypeNonNegInt, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
		"mbs": {ShortName: "mbs", Type: TypeNonNegInt, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
		"mia": {ShortName: "mia", Type: TypeNonNegInt, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
		"cni": {ShortName: "cni", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent, Announce: OptionalAnnounced},
		"cbs": {ShortName: "cbs", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent, Announce: OptionalAnnounced},
		"st":  {ShortName: "st", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent, Announce: OptionalAnnounced},
		"li":  {ShortName: "li", Type: TypeAnyURI, Create: Optional, Update: NotPresent},
		"or":  {ShortName: "or", Type: TypeAnyURI, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
	},
		onem2m.TypeContainer, onem2m.TypeContentInstance, onem2m.TypeSubscription,
		onem2m.TypeFlexContainer, onem2m.TypeAction,
	)

	// con carries arbitrary content: strings, numbers, and objects all
	// occur in practice.
	cin := ptype(onem2m.TypeContentInstance, map[string]AttributePolicy{
		"cnf": {ShortName: "cnf", Type: TypeString, Create: Optional, Update: NotPresent, Announce: OptionalAnnounced},
		"con": {ShortName: "con", Type: TypeAny, Create: Mandatory, Update: NotPresent, Announce: OptionalAnnounced},
		"cs":  {ShortName: "cs", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
		"st":  {ShortName: "st", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
		"dc":  {ShortName: "dc", Type: TypeString, Create: Optional, Update: NotPresent},
	})

	acp := ptype(onem2m.TypeACP, map[string]AttributePolicy{
		"pv":  {ShortName: "pv", Type: TypeDict, Create: Mandatory, Update: Optional, Announce: MandatoryAnnounced},
		"pvs": {ShortName: "pvs", Type: TypeDict, Create: Mandatory, Update: Optional, Announce: MandatoryAnnounced},
	}, onem2m.TypeSubscription)

	sub := ptype(onem2m.TypeSubscription, map[string]AttributePolicy{
		"enc": {ShortName: "enc", Type: TypeDict, Create: Optional, Update: Optional},
		"nu":  {ShortName: "nu", Type: TypeStringList, Create: Mandatory, Update: Optional},
		"bn":  {ShortName: "bn", Type: TypeDict, Create: Optional, Update: Optional},
		"su":  {ShortName: "su", Type: TypeAnyURI, Create: Optional, Update: NotPresent},
		"exc": {ShortName: "exc", Type: TypePositiveInt, Create: Optional, Update: Optional},
		"nct": {ShortName: "nct", Type: TypeEnum, Create: Optional, Update: Optional, EnumRange: "1..4"},
		"nec": {ShortName: "nec", Type: TypeString, Create: Optional, Update: Optional},
		"nse": {ShortName: "nse", Type: TypeBool, Create: Optional, Update: Optional},
		"nsi": {ShortName: "nsi", Type: TypeList, Create: NotPresent, Update: NotPresent},
		"gpi": {ShortName: "gpi", Type: TypeString, Create: Optional, Update: Optional},
		"ln":  {ShortName: "ln", Type: TypeBool, Create: Optional, Update: Optional},
		"psn": {ShortName: "psn", Type: TypePositiveInt, Create: Optional, Update: Optional},
		"pn":  {ShortName: "pn", Type: TypeEnum, Create: Optional, Update: Optional, EnumRange: "1..2"},
	})

	group := ptype(onem2m.TypeGroup, map[string]AttributePolicy{
		"mt":   {ShortName: "mt", Type: TypeNonNegInt, Create: Optional, Update: NotPresent, Announce: OptionalAnnounced},
		"mid":  {ShortName: "mid", Type: TypeStringList, Create: Mandatory, Update: Optional, Announce: OptionalAnnounced},
		"mnm":  {ShortName: "mnm", Type: TypePositiveInt, Create: Mandatory, Update: Optional, Announce: OptionalAnnounced},
		"cnm":  {ShortName: "cnm", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
		"mtv":  {ShortName: "mtv", Type: TypeBool, Create: NotPresent, Update: NotPresent},
		"csy":  {ShortName: "csy", Type: TypeEnum, Create: Optional, Update: NotPresent, EnumRange: "1..3"},
		"gn":   {ShortName: "gn", Type: TypeString, Create: Optional, Update: Optional},
		"gft":  {ShortName: "gft", Type: TypeNonNegInt, Create: Optional, Update: Optional},
		"macp": {ShortName: "macp", Type: TypeStringList, Create: Optional, Update: Optional},
	}, onem2m.TypeSubscription)

	csr := ptype(onem2m.TypeRemoteCSE, map[string]AttributePolicy{
		"cst":  {ShortName: "cst", Type: TypeEnum, Create: Optional, Update: NotPresent, EnumRange: "1..3"},
		"csi":  {ShortName: "csi", Type: TypeString, Create: Mandatory, Update: NotPresent, Announce: MandatoryAnnounced},
		"cb":   {ShortName: "cb", Type: TypeString, Create: Mandatory, Update: NotPresent, Announce: MandatoryAnnounced},
		"poa":  {ShortName: "poa", Type: TypeStringList, Create: Optional, Update: Optional, Announce: OptionalAnnounced},
		"rr":   {ShortName: "rr", Type: TypeBool, Create: Mandatory, Update: Optional},
		"srv":  {ShortName: "srv", Type: TypeStringList, Create: Optional, Update: Optional},
		"csz":  {ShortName: "csz", Type: TypeStringList, Create: Optional, Update: Optional},
		"nl":   {ShortName: "nl", Type: TypeString, Create: Optional, Update: Optional},
		"dcse": {ShortName: "dcse", Type: TypeStringList, Create: Optional, Update: Optional},
	},
		onem2m.TypeContainer, onem2m.TypeFlexContainer, onem2m.TypeGroup,
		onem2m.TypeACP, onem2m.TypeSubscription, onem2m.TypePollingChannel,
		onem2m.TypeNode, onem2m.TypeTimeSeries,
	)

	// <request> resources are created by the CSE itself for non-blocking
	// requests; every payload attribute is CSE-assigned.
	req := ptype(onem2m.TypeRequest, map[string]AttributePolicy{
		"op":  {ShortName: "op", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
		"tg":  {ShortName: "tg", Type: TypeString, Create: NotPresent, Update: NotPresent},
		"org": {ShortName: "org", Type: TypeString, Create: NotPresent, Update: NotPresent},
		"rid": {ShortName: "rid", Type: TypeString, Create: NotPresent, Update: NotPresent},
		"mi":  {ShortName: "mi", Type: TypeDict, Create: NotPresent, Update: NotPresent},
		"rs":  {ShortName: "rs", Type: TypeString, Create: NotPresent, Update: NotPresent},
		"ors": {ShortName: "ors", Type: TypeDict, Create: NotPresent, Update: NotPresent},
	})

	node := ptype(onem2m.TypeNode, map[string]AttributePolicy{
		"ni":  {ShortName: "ni", Type: TypeString, Create: Mandatory, Update: Optional, Announce: MandatoryAnnounced},
		"hcl": {ShortName: "hcl", Type: TypeString, Create: Optional, Update: Optional},
	}, onem2m.TypeSubscription)

	pch := ptype(onem2m.TypePollingChannel, map[string]AttributePolicy{
		"rqag": {ShortName: "rqag", Type: TypeBool, Create: Optional, Update: Optional},
	})

	fcnt := ptype(onem2m.TypeFlexContainer, map[string]AttributePolicy{
		"cnd": {ShortName: "cnd", Type: TypeString, Create: Mandatory, Update: NotPresent, Announce: MandatoryAnnounced},
		"cs":  {ShortName: "cs", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
		"st":  {ShortName: "st", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
	},
		onem2m.TypeContainer, onem2m.TypeFlexContainer, onem2m.TypeSubscription,
		onem2m.TypeAction,
	)
	fcnt.AllowCustom = true

	ts := ptype(onem2m.TypeTimeSeries, map[string]AttributePolicy{
		"pei":  {ShortName: "pei", Type: TypeNonNegInt, Create: Optional, Update: Optional},
		"mdd":  {ShortName: "mdd", Type: TypeBool, Create: Optional, Update: Optional},
		"mdn":  {ShortName: "mdn", Type: TypeNonNegInt, Create: Optional, Update: Optional},
		"mdt":  {ShortName: "mdt", Type: TypeNonNegInt, Create: Optional, Update: Optional},
		"mdc":  {ShortName: "mdc", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
		"mdlt": {ShortName: "mdlt", Type: TypeList, Create: NotPresent, Update: NotPresent},
		"mni":  {ShortName: "mni", Type: TypeNonNegInt, Create: Optional, Update: Optional},
		"mbs":  {ShortName: "mbs", Type: TypeNonNegInt, Create: Optional, Update: Optional},
		"cni":  {ShortName: "cni", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
		"cbs":  {ShortName: "cbs", Type: TypeNonNegInt, Create: NotPresent, Update: NotPresent},
	}, onem2m.TypeSubscription)

	action := ptype(onem2m.TypeAction, map[string]AttributePolicy{
		"evc": {ShortName: "evc", Type: TypeDict, Create: Mandatory, Update: Optional},
		"evm": {ShortName: "evm", Type: TypeEnum, Create: Mandatory, Update: Optional, EnumRange: "1..4"},
		"sri": {ShortName: "sri", Type: TypeString, Create: Mandatory, Update: NotPresent},
		"orc": {ShortName: "orc", Type: TypeString, Create: Mandatory, Update: NotPresent},
		"apy": {ShortName: "apy", Type: TypeDict, Create: Optional, Update: Optional},
	}, onem2m.TypeSubscription)

	policies := []*TypePolicy{
		cseBase, ae, container, cin, acp, sub, group, csr, req, node, pch,
		fcnt, ts, action,
	}

	// Announced variants mirror originator attributes plus a mandatory
	// link back to the original. Mirrored attribute sets are open-ended,
	// so the variants accept custom attributes.
	for _, base := range []*TypePolicy{acp, ae, container, cin, group, node, fcnt, ts} {
		annc, _ := base.Type.AnnouncedVariant()
		tp := ptype(annc, map[string]AttributePolicy{
			"lnk": {ShortName: "lnk", Type: TypeAnyURI, Create: Mandatory, Update: NotPresent},
		}, base.ChildTypes...)
		tp.AllowCustom = true
		policies = append(policies, tp)
	}

	return policies
}
