/*
Package device owns one open GPU connection and the buffer machinery
layered over it.

# Construction

New probes the driver version (honoring the MESA_LOADER_DRIVER_OVERRIDE
setting), selects exactly one registered backend and builds:

  - identity tables mapping local handles and global names to live BOs
  - a general buffer cache and a coarse command-ring cache
  - a deferred submission queue, optionally drained by a worker pool
  - two sub-allocation heaps (ring and default), when the GPU is recent
    enough or the backend is virtualized

Any failure returns a nil device. Failures after the backend exists run
the regular teardown.

	d, err := device.Open(cfg)
	if err != nil {
		if errors.IsNoDevice(err) {
			// no usable GPU
		}
		return err
	}
	defer d.Del()

# Allocation

NewBO routes small buffers with plain or ring flags to a heap, and
everything else through the general cache before asking the kernel.
NewRingBO uses the ring cache. Freed buffers are parked in their cache
and aged out after cache.max_age; Purge drops them all at once.

# Health

Health reports per-component state for alloc, import and submit.
Repeated kernel submit failures mark the device no-submit. With
monitoring.memory enabled, a background monitor samples Stats and purges
the caches when they hold more than monitoring.memory.purge_threshold.

# Teardown

The last Del tears the device down in reverse order. Deferred submissions
must have been flushed and every sub-allocated buffer released before
that; otherwise Del panics with an INVARIANT_VIOLATION error.
*/
package device
