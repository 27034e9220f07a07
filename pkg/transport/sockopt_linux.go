//go:build linux

package transport

import (
	"golang.org/x/sys/unix"
)

// setSockOptDSCP устанавливает DSCP маркировку (старшие 6 бит TOS) для IPv4 и IPv6
func setSockOptDSCP(fd uintptr, dscp int) {
	tos := dscp << 2
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}

// setSockOptVoiceOptimizations выставляет приоритет сокета для интерактивного аудио
func setSockOptVoiceOptimizations(fd uintptr) error {
	// 6 - наивысший приоритет, доступный без CAP_NET_ADMIN
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	return nil
}
