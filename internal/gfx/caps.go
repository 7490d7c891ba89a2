package gfx

import "sort"

// CapVersion identifies one RDP Graphics Pipeline capability version, using
// the wire-visible version codes from [MS-RDPEGFX] §2.2.3.
type CapVersion uint32

const (
	CapVersion8   CapVersion = 0x00080004
	CapVersion81  CapVersion = 0x00080105
	CapVersion10  CapVersion = 0x000A0002
	CapVersion101 CapVersion = 0x000A0100
	CapVersion102 CapVersion = 0x000A0200
	CapVersion103 CapVersion = 0x000A0301
	CapVersion104 CapVersion = 0x000A0400
	CapVersion105 CapVersion = 0x000A0502
	CapVersion106 CapVersion = 0x000A0600
	CapVersion107 CapVersion = 0x000A0701
)

// serverSupported lists every version this server accepts, ordered highest
// to lowest preference. Selection always walks this slice in order and
// picks the first version the peer also advertised, per §4.3.
var serverSupported = []CapVersion{
	CapVersion107, CapVersion106, CapVersion105, CapVersion104,
	CapVersion103, CapVersion102, CapVersion101, CapVersion10,
	CapVersion81, CapVersion8,
}

// CapFlag is a per-version advertise/confirm flag.
type CapFlag uint32

const (
	// FlagAVCDisabled indicates the peer does not want AVC420/AVC444
	// encoding used even if the negotiated version would otherwise allow
	// it (v10+ semantics).
	FlagAVCDisabled CapFlag = 1 << iota
	// FlagAVC420Enabled is the v8.1-only flag that opts into AVC420/H264
	// (v8.1 never enables AVC444).
	FlagAVC420Enabled
)

// Advertise is the peer's CapsAdvertise: every capability set it offered,
// each with its version and flags.
type Advertise struct {
	Versions []CapVersion
	Flags    map[CapVersion]CapFlag
}

// Confirmed is the negotiated outcome recorded on the pipeline after a
// successful CapsConfirm.
type Confirmed struct {
	Version    CapVersion
	H264       bool
	AVC444     bool
	AVC420Flag bool
}

// flagsFor resolves the flags the peer set for version v in this
// advertise (zero value if absent).
func (a *Advertise) flagsFor(v CapVersion) CapFlag {
	if a.Flags == nil {
		return 0
	}
	return a.Flags[v]
}

// wouldDisableAVC reports whether accepting this advertise, at version v,
// would leave AVC encoding disabled: either the peer explicitly disabled
// it, the version is 8.0 (which never supports AVC), or it is 8.1 without
// the AVC420-enabled flag.
func wouldDisableAVC(v CapVersion, flags CapFlag) bool {
	if flags&FlagAVCDisabled != 0 {
		return true
	}
	if v == CapVersion8 {
		return true
	}
	if v == CapVersion81 && flags&FlagAVC420Enabled == 0 {
		return true
	}
	return false
}

// selectVersion walks serverSupported highest-to-lowest and returns the
// first version also present in the peer's advertise.
func selectVersion(adv *Advertise) (CapVersion, bool) {
	offered := make(map[CapVersion]bool, len(adv.Versions))
	for _, v := range adv.Versions {
		offered[v] = true
	}
	for _, v := range serverSupported {
		if offered[v] {
			return v, true
		}
	}
	return 0, false
}

// confirmFor derives the H264/AVC444/AVC420 enablement for a selected
// version, per §4.3 step 3.
func confirmFor(v CapVersion, flags CapFlag) Confirmed {
	c := Confirmed{Version: v}
	switch {
	case v == CapVersion8:
		// AVC444 off, H264 off.
	case v == CapVersion81:
		c.H264 = flags&FlagAVC420Enabled != 0
		c.AVC420Flag = c.H264
	default: // v10+
		avcDisabled := flags&FlagAVCDisabled != 0
		c.H264 = !avcDisabled
		c.AVC444 = !avcDisabled
	}
	return c
}

// sortedVersionList returns a's versions sorted descending, useful for
// deterministic logging/tests.
func sortedVersionList(adv *Advertise) []CapVersion {
	out := append([]CapVersion(nil), adv.Versions...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}
