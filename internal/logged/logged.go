// Package logged wraps a describer with structured logging of every call.
package logged

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chriskillpack/tabib/describer"
)

type describerDecorator struct {
	describer.Describer
	logger *zap.Logger
}

// New returns d with DescribeImage and IsHealthy calls logged to logger.
func New(d describer.Describer, logger *zap.Logger) describer.Describer {
	return &describerDecorator{
		Describer: d,
		logger:    logger.With(zap.String("describer", d.Name()), zap.String("model", d.Model())),
	}
}

func (l *describerDecorator) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	l.logger.Debug("describing image", zap.Int("bytes", len(image)), zap.String("prompt", prompt))

	t := time.Now()
	desc, err := l.Describer.DescribeImage(ctx, image, prompt)
	took := time.Since(t)
	if err != nil {
		l.logger.Warn("describe failed", zap.Duration("took", took), zap.Error(err))
		return "", err
	}

	l.logger.Info("described image", zap.Duration("took", took), zap.Int("chars", len(desc)))
	return desc, nil
}

func (l *describerDecorator) IsHealthy(ctx context.Context) bool {
	healthy := l.Describer.IsHealthy(ctx)
	if !healthy {
		l.logger.Warn("describer unhealthy")
	}
	return healthy
}
