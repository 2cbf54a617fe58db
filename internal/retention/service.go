package retention

import (
	"context"
	"log/slog"
)

// Purger drops system alerts past their retention window.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type Service struct {
	alerts Purger
	log    *slog.Logger
}

func NewService(alerts Purger, logger *slog.Logger) *Service {
	return &Service{alerts: alerts, log: logger}
}

// Run performs one sweep.
func (s *Service) Run(ctx context.Context) {
	n, err := s.alerts.Purge(ctx)
	if err != nil {
		s.log.Error("alert retention sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("alert retention sweep completed", "removed", n)
	}
}
