package eventbus

import (
	"context"

	"github.com/annel0/blockverse/internal/logging"
)

// StartLoggingListener подписывается на правки и пишет их в лог.
// Функция неблокирующая.
func StartLoggingListener(bus EventBus, logger *logging.Logger) (Subscription, error) {
	sub, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventBlockEdit}}, func(ctx context.Context, ev *Envelope) {
		edit, err := DecodeEdit(ev)
		if err != nil {
			logger.Warn("[EventBus] %s: %v", ev.ID, err)
			return
		}
		logger.Debug("[EventBus] %s %s: %s блок %d#%d", ev.Source, ev.EventType, edit.Coord, edit.Block, edit.Seq)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("🪵 LoggingListener: подписка на правки блоков активирована")
	return sub, nil
}
