// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vhostuser implements the vhost-user backend side of the wire
// protocol: message framing over a Unix domain socket, including the
// ancillary-fd (SCM_RIGHTS) transport memory regions and vring kick/call
// eventfds arrive on. It does not drive a virtqueue itself; see
// internal/vnic for the reactor that uses this package.
//
// Constants and struct layouts are taken from the vhost-user backend
// protocol (qemu docs/interop/vhost-user.rst / kernel vhost_types.h).
package vhostuser

import "fmt"

// Request is the vhost-user message type (the "front-end message" set;
// this backend never initiates REQ_SLAVE_* messages itself).
type Request uint32

const (
	ReqNone                 Request = 0
	ReqGetFeatures          Request = 1
	ReqSetFeatures          Request = 2
	ReqSetOwner             Request = 3
	ReqResetOwner           Request = 4
	ReqSetMemTable          Request = 5
	ReqSetLogBase           Request = 6
	ReqSetLogFd             Request = 7
	ReqSetVringNum          Request = 8
	ReqSetVringAddr         Request = 9
	ReqSetVringBase         Request = 10
	ReqGetVringBase         Request = 11
	ReqSetVringKick         Request = 12
	ReqSetVringCall         Request = 13
	ReqSetVringErr          Request = 14
	ReqGetProtocolFeatures  Request = 15
	ReqSetProtocolFeatures  Request = 16
	ReqGetQueueNum          Request = 17
	ReqSetVringEnable       Request = 18
	ReqSendRarp             Request = 19
	ReqNetSetMTU            Request = 20
	ReqSetBackendReqFd      Request = 21
	ReqGetConfig            Request = 24
	ReqSetConfig            Request = 25
	ReqResetDevice          Request = 34
	ReqGetMaxMemSlots       Request = 36
	ReqAddMemReg            Request = 37
	ReqRemMemReg            Request = 38
	ReqSetStatus            Request = 39
	ReqGetStatus            Request = 40
)

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return fmt.Sprintf("REQUEST(%d)", uint32(r))
}

var requestNames = map[Request]string{
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqResetOwner:          "RESET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqNetSetMTU:           "NET_SET_MTU",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
	ReqResetDevice:         "RESET_DEVICE",
	ReqGetMaxMemSlots:      "GET_MAX_MEM_SLOTS",
	ReqAddMemReg:           "ADD_MEM_REG",
	ReqRemMemReg:           "REM_MEM_REG",
	ReqSetStatus:           "SET_STATUS",
	ReqGetStatus:           "GET_STATUS",
}

// Feature bit positions (virtio_config.h / virtio_ring.h / virtio_net.h).
const (
	FNotifyOnEmpty = 24
	FAnyLayout     = 27
	FRingIndirect  = 28
	FRingEventIdx  = 29
	FProtocolFeatures = 30
	FVersion1      = 32

	NetFCSUM       = 0
	NetFGuestTSO4  = 7
	NetFGuestTSO6  = 8
	NetFHostTSO4   = 11
	NetFHostTSO6   = 12
	NetFMrgRxbuf   = 15
	NetFMAC        = 5
)

// Protocol feature bit positions (the VHOST_USER_PROTOCOL_F_* set).
const (
	ProtocolFMQ            = 0
	ProtocolFReplyAck       = 3
	ProtocolFNetMTU         = 4
	ProtocolFConfig         = 9
	ProtocolFInbandNotif    = 14
	ProtocolFConfigMemSlots = 15
	ProtocolFStatus         = 16
)

// HeaderSize is the fixed 12-byte header preceding every message payload.
const HeaderSize = 12

// FlagReply marks a request expecting a reply (set by the front-end on
// requests like GET_FEATURES) or a message sent as that reply.
const FlagReply = 0x1 << 2

// FlagNeedReply asks the backend to reply even to messages that otherwise
// have no payload, used for synchronizing SET_* operations.
const FlagNeedReply = 0x1 << 3

// Header is the fixed-size prefix of every vhost-user message.
type Header struct {
	Request Request
	Flags   uint32
	Size    uint32
}

// MemoryRegion describes one guest memory region shared over SET_MEM_TABLE,
// mapped into this process via the accompanying ancillary fd.
type MemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserAddr      uint64 // front-end's userspace address, used only as a log hint
	MmapOffset    uint64
}

// VringState is the payload of SET_VRING_NUM / SET_VRING_BASE / GET_VRING_BASE.
type VringState struct {
	Index uint32
	Num   uint32
}

// VringAddr is the payload of SET_VRING_ADDR: guest-virtual addresses for
// the three vring regions, valid once translated against a MemoryRegion.
type VringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

// FeatureMask reports whether bit is set in mask.
func FeatureMask(mask uint64, bit int) bool {
	return mask&(1<<uint(bit)) != 0
}

// WithFeature sets bit in mask and returns the result.
func WithFeature(mask uint64, bit int) uint64 {
	return mask | (1 << uint(bit))
}
