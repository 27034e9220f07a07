package transport

import (
	"fmt"
	"net"
)

// setSockOptForVoice настраивает UDP сокет для голосового трафика:
// буферы, DSCP маркировка и платформенные оптимизации
func setSockOptForVoice(conn *net.UDPConn, config UDPConfig) error {
	if conn == nil {
		return fmt.Errorf("соединение не может быть nil")
	}

	if err := conn.SetWriteBuffer(VoiceOptimizedSendBuffer); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", VoiceOptimizedSendBuffer, err)
	}
	if err := conn.SetReadBuffer(VoiceOptimizedRecvBuffer); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", VoiceOptimizedRecvBuffer, err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		// Маркировка и приоритет не критичны: в контейнерах ядро может отказать
		if config.DSCP > 0 {
			setSockOptDSCP(fd, config.DSCP)
		}
		sockOptErr = setSockOptVoiceOptimizations(fd)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return sockOptErr
}
