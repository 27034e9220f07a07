//go:build !linux && !darwin

package transport

func setSockOptDSCP(fd uintptr, dscp int) {}

func setSockOptVoiceOptimizations(fd uintptr) error {
	return nil
}
