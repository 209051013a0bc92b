//go:build !linux

package audio

// physicalMemory returns 0 on platforms without a sysinfo probe; capability
// consumers treat 0 as "unknown".
func physicalMemory() uint64 {
	return 0
}
