package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrPortInUse порт уже занят другим сокетом (фатально при старте)
	ErrPortInUse = errors.New("transport: port already in use")

	// ErrClosed канал или слушатель закрыт
	ErrClosed = errors.New("transport: closed")
)

// NetworkErrorType определяет типы сетевых ошибок для обработки в цикле отправки
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка (можно продолжать)
	ErrorTypePermanent                          // Постоянная ошибка
	ErrorTypeTimeout                            // Таймаут (нормальное поведение при поллинге)
	ErrorTypeConnection                         // Проблемы соединения (ICMP unreachable и т.п.)
	ErrorTypeClosed                             // Сокет закрыт локально
	ErrorTypeUnknown                            // Неклассифицированная ошибка
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClassifiedError обертка для сетевых ошибок с дополнительной информацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (type: %s, retryable: %t)",
		e.Operation, e.Err.Error(), e.Type, e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is позволяет проверять закрытый сокет через errors.Is(err, ErrClosed)
func (e *ClassifiedError) Is(target error) bool {
	return target == ErrClosed && e.Type == ErrorTypeClosed
}

// classifyNetworkError анализирует сетевую ошибку и возвращает классифицированную версию
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	if errors.Is(err, net.ErrClosed) {
		classified.Type = ErrorTypeClosed
		return classified
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
		return classified
	}

	switch {
	case isConnectionError(err):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case isTemporaryError(err):
		classified.Type = ErrorTypeTemporary
		classified.Retryable = true
	case isPermanentError(err):
		classified.Type = ErrorTypePermanent
	}

	return classified
}

// IsTimeout проверяет, что ошибка - истекший дедлайн чтения
func IsTimeout(err error) bool {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Type == ErrorTypeTimeout
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// wrapBindError превращает ошибку bind в ErrPortInUse, если адрес занят
func wrapBindError(network, addr string, err error) error {
	if isAddrInUse(err) {
		return fmt.Errorf("%w: %s %s", ErrPortInUse, network, addr)
	}
	return fmt.Errorf("ошибка привязки %s %s: %w", network, addr, err)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return containsAny(err.Error(), []string{
		"address already in use",
		"only one usage of each socket address",
	})
}

// isConnectionError проверяет является ли ошибка связанной с соединением
func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return containsAny(err.Error(), []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"host is unreachable",
		"no route to host",
	})
}

// isTemporaryError переполнение буфера сокета и похожие ситуации
func isTemporaryError(err error) bool {
	return errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR)
}

// isPermanentError проверяет является ли ошибка постоянной
func isPermanentError(err error) bool {
	return containsAny(err.Error(), []string{
		"invalid argument",
		"address family not supported",
		"permission denied",
		"operation not supported",
	})
}

func containsAny(s string, substrs []string) bool {
	s = strings.ToLower(s)
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
