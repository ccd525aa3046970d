// Package backend defines the operation set every backend variant provides
// (native hardware, virtualized and legacy), a registry of backend
// factories, and the policy that maps a detected kernel driver version onto
// one of them.
//
// Backend packages register a Factory from init():
//
//	func init() {
//		backend.Register(types.KindNative, newNative)
//	}
//
// Selection runs once per device; the device never looks at the backend
// kind again afterwards.
package backend
