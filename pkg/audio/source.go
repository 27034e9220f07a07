// Package audio описывает источник захвата звука и преобразования кадров.
//
// Доступ к аудио устройству платформы находится вне этого модуля: ядро
// работает с непрозрачной возможностью Source. Пакет содержит несколько
// реализаций для десктопа и тестов (тон, WAV файл, поток PCM, внешняя
// программа захвата).
package audio

import (
	"errors"
	"time"
)

// Параметры аудио потока, общие с принимающей стороной
const (
	DefaultSampleRate    = 48000
	DefaultChannels      = 1
	DefaultBitsPerSample = 16

	// DefaultFrameSize размер одного кадра (и одной датаграммы) в байтах:
	// 304 отсчета s16le, около 6.3ms при 48kHz
	DefaultFrameSize = 608
)

var (
	// ErrNotStarted чтение из источника до Start
	ErrNotStarted = errors.New("audio: source not started")
	// ErrAlreadyStarted повторный Start без Stop
	ErrAlreadyStarted = errors.New("audio: source already started")
	// ErrStopped источник остановлен во время ожидания кадра
	ErrStopped = errors.New("audio: source stopped")
	// ErrFormatUnsupported формат файла не совпадает с форматом потока
	ErrFormatUnsupported = errors.New("audio: unsupported format")
)

// Source возможность захвата звука.
//
// Read заполняет buf и возвращает число байт. Результат 0 без ошибки
// означает "данных пока нет" (неблокирующий режим). Ошибка Read фатальна
// для цикла ретрансляции.
type Source interface {
	Start() error
	Read(buf []byte) (int, error)
	Stop() error
}

// ReadMode режим чтения источника
type ReadMode int

const (
	// ReadBlocking Read ждет, пока кадр будет готов
	ReadBlocking ReadMode = iota
	// ReadNonBlocking Read возвращает 0, если кадр еще не готов
	ReadNonBlocking
)

func (m ReadMode) String() string {
	switch m {
	case ReadBlocking:
		return "blocking"
	case ReadNonBlocking:
		return "non-blocking"
	default:
		return "unknown"
	}
}

// ParseReadMode разбирает режим из конфигурации
func ParseReadMode(s string) (ReadMode, error) {
	switch s {
	case "", "blocking":
		return ReadBlocking, nil
	case "non-blocking", "nonblocking":
		return ReadNonBlocking, nil
	default:
		return ReadBlocking, errors.New("audio: unknown read mode " + s)
	}
}

// Format формат PCM потока
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat 48kHz, моно, 16 бит little-endian
func DefaultFormat() Format {
	return Format{
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		BitsPerSample: DefaultBitsPerSample,
	}
}

// BytesPerFrame размер одного отсчета всех каналов
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// Samples число отсчетов в буфере заданного размера
func (f Format) Samples(size int) int {
	bpf := f.BytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return size / bpf
}

// Duration длительность буфера заданного размера
func (f Format) Duration(size int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.Samples(size)) * time.Second / time.Duration(f.SampleRate)
}
