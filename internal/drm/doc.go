// Package drm is the boundary to the kernel rendering-manager interface:
// render-node discovery, the version and capability ioctls, descriptor
// duplication and the process-wide page size.
package drm
