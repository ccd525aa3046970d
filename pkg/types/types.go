package types

import (
	"fmt"
	"strings"
	"time"
)

// Flags is the allocation-flags bitset carried by every buffer object.
type Flags uint32

const (
	// FlagGPUReadOnly marks a buffer the GPU never writes.
	FlagGPUReadOnly Flags = 1 << iota
	// FlagScanout marks a buffer that may be handed to the display engine.
	FlagScanout
	// FlagCachedCoherent requests CPU-cached, coherent mappings.
	FlagCachedCoherent
	// FlagNoMap marks a buffer that is never mapped by the CPU.
	FlagNoMap
	// FlagShared marks a buffer that is (or will be) exported to other processes.
	FlagShared
	// FlagHostShared marks a buffer backed by host shared memory (virtualized backends).
	FlagHostShared
	// FlagNoSync skips implicit synchronization; such buffers are never recycled.
	FlagNoSync
)

// RingFlags are the flags used for command-ring buffers.
const RingFlags = FlagGPUReadOnly | FlagCachedCoherent

// Has reports whether all bits of other are set in f
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// Cacheable reports whether a buffer with these flags may be recycled by a cache.
func (f Flags) Cacheable() bool {
	return f&(FlagShared|FlagNoSync) == 0
}

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagGPUReadOnly, "GPU_READONLY"},
	{FlagScanout, "SCANOUT"},
	{FlagCachedCoherent, "CACHED_COHERENT"},
	{FlagNoMap, "NOMAP"},
	{FlagShared, "SHARED"},
	{FlagHostShared, "HOST_SHARED"},
	{FlagNoSync, "NOSYNC"},
}

// String returns string representation of the flags
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if rest := f &^ (FlagNoSync<<1 - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Kind identifies a backend variant
type Kind int

const (
	// KindNative talks to the hardware driver directly.
	KindNative Kind = iota
	// KindVirtualized proxies every kernel-level call to a hypervisor-mediated host.
	KindVirtualized
	// KindLegacy is the fallback for kernels that cannot report a version.
	KindLegacy
)

// String returns string representation of the backend kind
func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindVirtualized:
		return "virtualized"
	case KindLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Version is the identity/version descriptor reported by the kernel
// rendering-manager interface, or synthesized by an override.
type Version struct {
	Major       int    `json:"major" yaml:"major"`
	Minor       int    `json:"minor" yaml:"minor"`
	Patch       int    `json:"patch" yaml:"patch"`
	Name        string `json:"name" yaml:"name"`
	Date        string `json:"date" yaml:"date"`
	Description string `json:"description" yaml:"description"`

	// Synthetic is set when the descriptor did not come from the kernel.
	Synthetic bool `json:"synthetic" yaml:"synthetic"`
}

// String returns name and dotted version
func (v *Version) String() string {
	if v == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s %d.%d.%d", v.Name, v.Major, v.Minor, v.Patch)
}

// ProtocolVersion is the feature level negotiated between the backend and the kernel.
type ProtocolVersion int

const (
	ProtocolOriginal      ProtocolVersion = 1
	ProtocolGEMInfo       ProtocolVersion = 1
	ProtocolMadvise       ProtocolVersion = 1
	ProtocolFenceFD       ProtocolVersion = 2
	ProtocolSubmitQueues  ProtocolVersion = 3
	ProtocolBOIova        ProtocolVersion = 3
	ProtocolSoftPin       ProtocolVersion = 4
	ProtocolRobustness    ProtocolVersion = 5
	ProtocolMemoryFD      ProtocolVersion = 2
	ProtocolSuspendResume ProtocolVersion = 6
)

// Features is the backend feature-flag bitset
type Features uint32

const (
	// FeatureThreadedSubmit means the backend accepts submissions from a background worker.
	FeatureThreadedSubmit Features = 1 << iota
	// FeatureSoftPin means the backend assigns GPU addresses in userspace.
	FeatureSoftPin
	// FeatureMadvise means purgeable buffers are supported.
	FeatureMadvise
)

// Has reports whether all bits of other are set in f
func (f Features) Has(other Features) bool {
	return f&other == other
}

// PipeID selects a GPU pipe
type PipeID int

const (
	Pipe3D PipeID = iota + 1
	Pipe2D
)

// GPUID identifies the GPU behind a pipe.
type GPUID struct {
	GPUID  uint32 `json:"gpu_id"`
	ChipID uint64 `json:"chip_id"`
}

// Generation returns the major hardware generation (the "6" of a6xx).
func (id GPUID) Generation() int {
	if id.ChipID != 0 {
		return int((id.ChipID >> 24) & 0xff)
	}
	return int(id.GPUID / 100)
}

// CacheStats represents buffer cache statistics
type CacheStats struct {
	Name      string  `json:"name"`
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Puts      uint64  `json:"puts"`
	Rejects   uint64  `json:"rejects"`
	Evictions uint64  `json:"evictions"`
	Stale     uint64  `json:"stale"`
	HitRate   float64 `json:"hit_rate"`
}

// HeapStats represents sub-allocation heap statistics
type HeapStats struct {
	Flags     Flags `json:"flags"`
	Blocks    int   `json:"blocks"`
	Live      int   `json:"live"`
	UsedBytes int64 `json:"used_bytes"`
	FreeBytes int64 `json:"free_bytes"`
}

// QueueStats represents deferred submission queue statistics
type QueueStats struct {
	Pending   int    `json:"pending"`
	Enqueued  uint64 `json:"enqueued"`
	Flushed   uint64 `json:"flushed"`
	Failed    uint64 `json:"failed"`
	Threaded  bool   `json:"threaded"`
	FenceOpen bool   `json:"fence_open"`
}

// DeviceStats aggregates the statistics of a device
type DeviceStats struct {
	Backend     string      `json:"backend"`
	Kind        string      `json:"kind"`
	State       string      `json:"state"`
	RefCount    int32       `json:"ref_count"`
	Handles     int         `json:"handles"`
	Names       int         `json:"names"`
	BOCache     CacheStats  `json:"bo_cache"`
	RingCache   CacheStats  `json:"ring_cache"`
	Heaps       []HeapStats `json:"heaps,omitempty"`
	Queue       QueueStats  `json:"queue"`
	Health      string      `json:"health"`
	CollectedAt time.Time   `json:"collected_at"`
}
