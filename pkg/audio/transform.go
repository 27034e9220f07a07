package audio

import (
	"fmt"
	"math/rand"

	"github.com/pion/rtp"
)

// Transform необязательное преобразование кадра перед отправкой (кодек, обрамление).
// Возвращаемый срез может указывать на внутренний буфер преобразования
// и действителен до следующего вызова Apply.
type Transform interface {
	Apply(frame []byte) ([]byte, error)
}

// Framing формат датаграмм аудио канала
type Framing string

const (
	// FramingRaw сырой PCM без заголовка (формат протокола по умолчанию)
	FramingRaw Framing = "raw"
	// FramingRTP каждый кадр обернут в RTP заголовок (RFC 3550)
	FramingRTP Framing = "rtp"
)

// ParseFraming разбирает формат датаграмм из конфигурации
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingRaw:
		return FramingRaw, nil
	case FramingRTP:
		return FramingRTP, nil
	default:
		return FramingRaw, fmt.Errorf("audio: unknown framing %q", s)
	}
}

// DynamicPayloadType динамический payload type для L16 48kHz моно
const DynamicPayloadType = 96

// RTPPacketizer оборачивает PCM кадры в RTP пакеты.
// Полезная нагрузка остается little-endian, как в сыром режиме.
// Выходной буфер выделяется один раз, Apply не выделяет память.
type RTPPacketizer struct {
	packet rtp.Packet
	format Format
	out    []byte
}

// NewRTPPacketizer создает RTP обрамление для кадров до maxFrame байт
func NewRTPPacketizer(maxFrame int, format Format) *RTPPacketizer {
	p := &RTPPacketizer{format: format}
	p.packet.Header = rtp.Header{
		Version:        2,
		PayloadType:    DynamicPayloadType,
		SequenceNumber: uint16(rand.Uint32()),
		Timestamp:      rand.Uint32(),
		SSRC:           rand.Uint32(),
	}
	p.out = make([]byte, p.packet.Header.MarshalSize()+maxFrame)
	return p
}

// SSRC возвращает идентификатор источника потока
func (p *RTPPacketizer) SSRC() uint32 {
	return p.packet.SSRC
}

// Apply формирует RTP пакет из кадра
func (p *RTPPacketizer) Apply(frame []byte) ([]byte, error) {
	p.packet.Payload = frame
	size := p.packet.MarshalSize()
	if size > len(p.out) {
		return nil, fmt.Errorf("кадр %d байт больше буфера RTP %d", len(frame), len(p.out))
	}

	n, err := p.packet.MarshalTo(p.out)
	if err != nil {
		return nil, fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	p.packet.SequenceNumber++
	p.packet.Timestamp += uint32(p.format.Samples(len(frame)))
	return p.out[:n], nil
}

// NewTransform создает преобразование для выбранного формата датаграмм.
// Для сырого формата возвращает nil: кадр уходит как есть.
func NewTransform(framing Framing, maxFrame int, format Format) Transform {
	if framing == FramingRTP {
		return NewRTPPacketizer(maxFrame, format)
	}
	return nil
}
