package service

import (
	"fmt"
	"time"

	"github.com/arzzra/omic/pkg/audio"
	"github.com/arzzra/omic/pkg/relay"
	"github.com/arzzra/omic/pkg/transport"
)

// DefaultEventBuffer емкость канала событий
const DefaultEventBuffer = 16

// Config конфигурация координатора
type Config struct {
	// ControlAddr адрес управляющего TCP порта
	ControlAddr string
	// AudioAddr адрес аудио UDP сокета, ":0" - эфемерный порт
	AudioAddr string
	// DSCP маркировка аудио датаграмм (0 - не выставлять)
	DSCP int

	// Strict неизвестный байт протокола завершает сессию
	Strict bool

	// FrameSize размер кадра аудио в байтах
	FrameSize int
	// PollInterval пауза после чтения источника без данных
	PollInterval time.Duration
	// Framing формат аудио датаграмм
	Framing audio.Framing
	// Format формат PCM, используется RTP обрамлением
	Format audio.Format

	// EventBuffer емкость канала событий
	EventBuffer int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ControlAddr:  fmt.Sprintf(":%d", transport.DefaultControlPort),
		AudioAddr:    ":0",
		DSCP:         transport.DSCPExpeditedForwarding,
		FrameSize:    audio.DefaultFrameSize,
		PollInterval: relay.DefaultPollInterval,
		Framing:      audio.FramingRaw,
		Format:       audio.DefaultFormat(),
		EventBuffer:  DefaultEventBuffer,
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.ControlAddr == "" {
		return fmt.Errorf("адрес управляющего порта не задан")
	}
	if c.AudioAddr == "" {
		return fmt.Errorf("адрес аудио порта не задан")
	}
	if c.FrameSize <= 0 || c.FrameSize > 65507 {
		return fmt.Errorf("размер кадра должен быть в диапазоне 1-65507 байт")
	}
	if c.FrameSize%2 != 0 {
		return fmt.Errorf("размер кадра должен быть кратен размеру 16-битного сэмпла")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("интервал опроса не может быть отрицательным")
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("емкость канала событий не может быть отрицательной")
	}
	if _, err := audio.ParseFraming(string(c.Framing)); err != nil {
		return err
	}
	udp := transport.UDPConfig{LocalAddr: c.AudioAddr, DSCP: c.DSCP}
	return udp.Validate()
}
