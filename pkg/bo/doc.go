// Package bo provides the buffer-object handle shared by the device, its
// caches and its sub-allocation heaps, and the identity tables that keep
// at most one live BO per kernel handle and per global name.
package bo
