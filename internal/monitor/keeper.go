package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Keeper drives the scheduler on a timer, standing in for whatever
// external party would otherwise poll checkUpkeep and submit perform
// calls.
type Keeper struct {
	service *Service
	tick    time.Duration
}

func NewKeeper(service *Service, tick time.Duration) *Keeper {
	return &Keeper{service: service, tick: tick}
}

// Start runs the check/perform loop until the context is cancelled.
func (k *Keeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "keeper").Logger()
	logger.Info().Dur("tick", k.tick).Msg("starting keeper loop")

	ticker := time.NewTicker(k.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down keeper loop")
			return
		case <-ticker.C:
			needed, payload, err := k.service.CheckUpkeep()
			if err != nil {
				logger.Error().Err(err).Msg("check upkeep failed")
				continue
			}
			if !needed {
				continue
			}
			batch, err := k.service.PerformUpkeep(payload)
			if err != nil {
				logger.Error().Err(err).Msg("perform upkeep failed")
				continue
			}
			if batch != nil {
				logger.Info().
					Str("batch_id", batch.BatchID).
					Int("order_count", batch.OrderCount).
					Msg("keeper settled batch")
			}
		}
	}
}
