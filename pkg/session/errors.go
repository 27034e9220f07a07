package session

import "fmt"

// ErrorCode коды ошибок сессии
type ErrorCode int

const (
	// ErrorCodeInvalidHandshake CONNECT с недопустимым портом
	ErrorCodeInvalidHandshake ErrorCode = iota + 2000
	// ErrorCodeAlreadyStreaming сессия уже соединена или трансляция занята другим клиентом
	ErrorCodeAlreadyStreaming
	// ErrorCodeSessionClosed сессия завершается и не принимает команды
	ErrorCodeSessionClosed
	// ErrorCodeTransition недопустимый переход автомата состояний
	ErrorCodeTransition
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeInvalidHandshake:
		return "InvalidHandshake"
	case ErrorCodeAlreadyStreaming:
		return "AlreadyStreaming"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeTransition:
		return "Transition"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error ошибка сессии с типизированным кодом.
// errors.Is сравнивает ошибки по коду, поэтому проверка
// errors.Is(err, ErrAlreadyStreaming) работает для любой ошибки с этим кодом.
type Error struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[сессия:%d] %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[сессия:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	// ErrInvalidHandshake CONNECT отклонен: порт 0
	ErrInvalidHandshake = &Error{Code: ErrorCodeInvalidHandshake, Message: "invalid handshake"}
	// ErrAlreadyStreaming CONNECT отклонен: трансляция уже идет
	ErrAlreadyStreaming = &Error{Code: ErrorCodeAlreadyStreaming, Message: "already streaming"}
	// ErrSessionClosed сессия завершается
	ErrSessionClosed = &Error{Code: ErrorCodeSessionClosed, Message: "session closed"}
)

func newError(code ErrorCode, sessionID, message string, wrapped error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   wrapped,
	}
}
