package types

import "github.com/gogpu/gputypes"

// FlagsForUsage translates a WebGPU buffer usage into buffer-object
// allocation flags, so front ends built on gputypes can allocate through the
// device without knowing kernel flag semantics.
func FlagsForUsage(usage gputypes.BufferUsage) Flags {
	var flags Flags

	gpuWrites := usage.Contains(gputypes.BufferUsageStorage) ||
		usage.Contains(gputypes.BufferUsageCopyDst)
	if !gpuWrites {
		flags |= FlagGPUReadOnly
	}

	switch {
	case usage.Contains(gputypes.BufferUsageMapRead):
		// readback buffers are read by the CPU after the GPU writes them
		flags |= FlagCachedCoherent
	case !usage.Contains(gputypes.BufferUsageMapWrite):
		flags |= FlagNoMap
	}

	return flags
}
