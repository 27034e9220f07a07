package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrEndOfStream поток закрыт или чтение завершилось ошибкой.
	// Вызывающая сторона трактует это так же, как явный DISCONNECT.
	ErrEndOfStream = errors.New("protocol: end of stream")

	// ErrUnknownTag получен байт, не являющийся тегом протокола
	ErrUnknownTag = errors.New("protocol: unknown tag")
)

// DecodeError ошибка разбора управляющего сообщения
type DecodeError struct {
	Tag Tag
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: unknown tag 0x%02x", byte(e.Tag))
}

// Is поддерживает errors.Is(err, ErrUnknownTag)
func (e *DecodeError) Is(target error) bool {
	return target == ErrUnknownTag
}

// endOfStream оборачивает ошибку ввода-вывода так, что срабатывают
// и errors.Is(err, ErrEndOfStream), и errors.Is(err, причина)
type endOfStream struct {
	cause error
}

func (e *endOfStream) Error() string {
	return fmt.Sprintf("%s: %v", ErrEndOfStream.Error(), e.cause)
}

func (e *endOfStream) Unwrap() []error {
	return []error{ErrEndOfStream, e.cause}
}

// Decoder читает управляющие сообщения из байтового потока.
// Не безопасен для конкурентного использования: читать должна одна горутина.
type Decoder struct {
	r   io.Reader
	buf [MaxMessageSize]byte
}

// NewDecoder создает декодер поверх потока
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next читает ровно одно сообщение.
//
// Читает один байт тега; для CONNECT дочитывает ровно 2 байта порта,
// блокируясь до их появления или закрытия потока. Любая ошибка чтения
// (включая обрыв посередине CONNECT) возвращается как ErrEndOfStream.
// Неизвестный тег возвращается как *DecodeError, поток при этом остается
// пригодным для чтения следующего сообщения.
func (d *Decoder) Next() (Message, error) {
	if _, err := io.ReadFull(d.r, d.buf[:1]); err != nil {
		return Message{}, &endOfStream{cause: err}
	}

	tag := Tag(d.buf[0])
	switch tag {
	case TagDisconnect, TagHello:
		return Message{Tag: tag}, nil
	case TagConnect:
		if _, err := io.ReadFull(d.r, d.buf[1:MaxMessageSize]); err != nil {
			return Message{}, &endOfStream{cause: err}
		}
		return Connect(binary.BigEndian.Uint16(d.buf[1:MaxMessageSize])), nil
	default:
		return Message{Tag: tag}, &DecodeError{Tag: tag}
	}
}
