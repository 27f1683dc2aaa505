// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vhostuser

import flerrors "mvirt.io/netd/internal/errors"

// MandatoryFeatures are required for this backend to function at all;
// negotiation fails if the front-end does not offer every one of them.
var MandatoryFeatures = []int{FVersion1, NetFMAC}

// OptionalFeatures are accepted when offered, declined otherwise: offload
// features the backend can do without, degrading to host-side
// checksum/segmentation handling.
var OptionalFeatures = []int{NetFCSUM, NetFGuestTSO4, NetFGuestTSO6, NetFHostTSO4, NetFHostTSO6, NetFMrgRxbuf, FProtocolFeatures}

// SupportedFeatures returns the full bitmask this backend is willing to
// advertise for GET_FEATURES: every mandatory and optional bit it knows
// how to honor, and nothing else. Advertising the all-ones mask instead
// would let the front-end enable bits like INDIRECT_DESC or EVENT_IDX
// that the vring implementation here never negotiates true support for.
func SupportedFeatures() uint64 {
	var mask uint64
	for _, bit := range MandatoryFeatures {
		mask = WithFeature(mask, bit)
	}
	for _, bit := range OptionalFeatures {
		mask = WithFeature(mask, bit)
	}
	return mask
}

// NegotiateFeatures computes the feature subset this backend will ack
// for GET_FEATURES/SET_FEATURES, given what the front-end offered.
// VERSION_1 and MAC are mandatory, everything else is opportunistic.
func NegotiateFeatures(offered uint64) (uint64, error) {
	for _, bit := range MandatoryFeatures {
		if !FeatureMask(offered, bit) {
			return 0, flerrors.Errorf(flerrors.KindVhostProtocol, "front-end did not offer mandatory feature bit %d", bit)
		}
	}
	var accepted uint64
	for _, bit := range MandatoryFeatures {
		accepted = WithFeature(accepted, bit)
	}
	for _, bit := range OptionalFeatures {
		if FeatureMask(offered, bit) {
			accepted = WithFeature(accepted, bit)
		}
	}
	return accepted, nil
}

// NegotiateProtocolFeatures mirrors NegotiateFeatures for the
// GET/SET_PROTOCOL_FEATURES exchange, which only happens when
// F_PROTOCOL_FEATURES was accepted above.
func NegotiateProtocolFeatures(offered uint64) uint64 {
	wanted := []int{ProtocolFReplyAck, ProtocolFNetMTU, ProtocolFConfig, ProtocolFInbandNotif}
	var accepted uint64
	for _, bit := range wanted {
		if FeatureMask(offered, bit) {
			accepted = WithFeature(accepted, bit)
		}
	}
	return accepted
}
