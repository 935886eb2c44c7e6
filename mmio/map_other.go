//go:build !linux

package mmio

// Close is a no-op where device resources cannot be mapped.
func (r *Region) Close() error { return nil }
