package audio

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// pacer выдает кадры с частотой реального устройства захвата
type pacer struct {
	limiter *rate.Limiter
	mode    ReadMode
}

func newPacer(interval time.Duration, mode ReadMode) *pacer {
	if interval <= 0 {
		return nil
	}
	return &pacer{limiter: rate.NewLimiter(rate.Every(interval), 1), mode: mode}
}

// ready сообщает, готов ли следующий кадр. В блокирующем режиме ждет его,
// в неблокирующем сразу возвращает false, если кадр еще не наступил.
// nil pacer не ограничивает скорость.
func (p *pacer) ready(ctx context.Context) (bool, error) {
	if p == nil {
		return true, nil
	}
	if p.mode == ReadNonBlocking {
		return p.limiter.Allow(), nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return false, ErrStopped
	}
	return true, nil
}
