// Package protocol реализует управляющий протокол omic поверх надежного
// байтового потока (TCP).
//
// Формат сообщений:
//
//	0x00          DISCONNECT
//	0x01 PP PP    CONNECT, PP - UDP порт клиента (big-endian uint16)
//	0x02          HELLO (эхо-ответ тем же байтом)
//
// Значения тегов зафиксированы и совпадают с реализацией на стороне
// десктопного клиента. Перенумеровывать их без смены версии протокола нельзя.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Tag тип управляющего сообщения (первый байт на проводе)
type Tag byte

const (
	TagDisconnect Tag = 0
	TagConnect    Tag = 1
	TagHello      Tag = 2
)

// ConnectPayloadSize размер полезной нагрузки CONNECT (порт)
const ConnectPayloadSize = 2

// MaxMessageSize максимальный размер сообщения на проводе
const MaxMessageSize = 1 + ConnectPayloadSize

// String возвращает строковое представление тега
func (t Tag) String() string {
	switch t {
	case TagDisconnect:
		return "disconnect"
	case TagConnect:
		return "connect"
	case TagHello:
		return "hello"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Known проверяет, является ли тег частью протокола
func (t Tag) Known() bool {
	return t <= TagHello
}

// Message управляющее сообщение. Port имеет смысл только для CONNECT.
type Message struct {
	Tag  Tag
	Port uint16
}

// Connect создает сообщение CONNECT с портом для аудио
func Connect(port uint16) Message {
	return Message{Tag: TagConnect, Port: port}
}

// Disconnect создает сообщение DISCONNECT
func Disconnect() Message {
	return Message{Tag: TagDisconnect}
}

// Hello создает сообщение HELLO
func Hello() Message {
	return Message{Tag: TagHello}
}

func (m Message) String() string {
	if m.Tag == TagConnect {
		return fmt.Sprintf("connect(port=%d)", m.Port)
	}
	return m.Tag.String()
}

// Size возвращает размер сообщения на проводе
func (m Message) Size() int {
	if m.Tag == TagConnect {
		return MaxMessageSize
	}
	return 1
}

// AppendEncode дописывает проводное представление сообщения в dst
func AppendEncode(dst []byte, m Message) []byte {
	dst = append(dst, byte(m.Tag))
	if m.Tag == TagConnect {
		dst = binary.BigEndian.AppendUint16(dst, m.Port)
	}
	return dst
}

// Encode возвращает проводное представление сообщения
func Encode(m Message) []byte {
	return AppendEncode(make([]byte, 0, m.Size()), m)
}
