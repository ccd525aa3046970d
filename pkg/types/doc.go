/*
Package types holds the plain data types shared by every layer of drmcore.

Nothing in here talks to the kernel or owns resources. The package defines:

  - Flags: the allocation-flags bitset of a buffer object. Flags take part in
    cache keys, so two buffers are interchangeable only when their flags match
    exactly. RingFlags is the combination used for command rings.
  - Version: the identity/version descriptor returned by the kernel interface
    (or synthesized by an override).
  - Kind: which backend variant was selected (native, virtualized, legacy).
  - ProtocolVersion and Features: what the selected backend negotiated.
  - GPUID and PipeID: identity of the GPU behind a pipe, used for heap gating.
  - CacheStats, HeapStats, QueueStats, DeviceStats: statistics snapshots.

# WebGPU interop

FlagsForUsage maps a gputypes.BufferUsage onto Flags:

	flags := types.FlagsForUsage(gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst)
	bo, err := dev.NewBO(size, flags)
*/
package types
