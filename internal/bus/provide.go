package bus

import (
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/common/config"
	"github.com/flowforge/flowforge/internal/common/logger"
)

// Provide selects the bus adapter from config. An empty Redis address
// yields the in-process bus for unified single-binary deployments.
func Provide(cfg config.RedisConfig, log *logger.Logger) (MessageBus, error) {
	if cfg.Addr == "" {
		log.Info("redis address not configured, using in-process message bus")
		return NewMemoryBus(log), nil
	}
	log.Info("using redis message bus", zap.String("addr", cfg.Addr))
	return NewRedisBus(cfg, log)
}
