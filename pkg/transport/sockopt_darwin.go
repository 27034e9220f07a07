//go:build darwin

package transport

import (
	"golang.org/x/sys/unix"
)

// setSockOptDSCP устанавливает DSCP маркировку через IP_TOS / IPV6_TCLASS
func setSockOptDSCP(fd uintptr, dscp int) {
	tos := dscp << 2
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}

// setSockOptVoiceOptimizations на macOS дополнительных настроек нет
func setSockOptVoiceOptimizations(fd uintptr) error {
	return nil
}
