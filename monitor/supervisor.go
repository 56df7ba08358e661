package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/damoun/youtube_exporter/collector"
	"github.com/damoun/youtube_exporter/config"
	"golang.org/x/sync/errgroup"
)

// Supervisor owns one Monitor per configured stream.
type Supervisor struct {
	logger     *slog.Logger
	monitors   []*Monitor
	startDelay time.Duration
}

// NewSupervisor validates cfg, registers every stream in registry and builds
// the monitors. Any error is a startup error.
func NewSupervisor(cfg *config.Config, upstream Upstream, registry *collector.Registry, logger *slog.Logger, startDelay time.Duration, opts Options) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Interval <= 0 {
		opts.Interval = cfg.YouTube.Interval
	}

	s := &Supervisor{
		logger:     logger,
		startDelay: startDelay,
	}

	// check every name first so a rejected config registers nothing
	for _, stream := range cfg.YouTube.Streams {
		if registry.HasStream(stream.Name) {
			return nil, &config.Error{Stream: stream.Name, Err: collector.ErrDuplicateStream}
		}
	}

	for _, stream := range cfg.YouTube.Streams {
		if err := registry.RegisterStream(stream.Name, stream.ChannelName, stream.Environment); err != nil {
			return nil, &config.Error{Stream: stream.Name, Err: err}
		}
		s.monitors = append(s.monitors, New(stream, upstream, registry, logger, opts))
	}

	return s, nil
}

// Monitors returns the monitors in configuration order.
func (s *Supervisor) Monitors() []*Monitor {
	return s.monitors
}

// Run starts every monitor, staggered by the start delay to spread API
// calls, and blocks until ctx is done and all monitors have returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("monitoring streams", "count", len(s.monitors))

	g, ctx := errgroup.WithContext(ctx)
	for i, m := range s.monitors {
		delay := time.Duration(i) * s.startDelay
		g.Go(func() error {
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}

			if err := m.Run(ctx); err != nil {
				return fmt.Errorf("monitor %s: %w", m.Name(), err)
			}
			return nil
		})
	}

	return g.Wait()
}
