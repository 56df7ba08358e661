package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/damoun/youtube_exporter/collector"
	"github.com/damoun/youtube_exporter/config"
	"github.com/damoun/youtube_exporter/youtube"
	"github.com/jpillora/backoff"
)

// Tier periods, counted in ticks of the stream's own cycle counter.
const (
	StatisticsEvery = 5
	ChannelEvery    = 10
)

// ChannelCacheTTL caps ttl below one channel tier period so that every
// channel tier of a stream reaches the API, while streams sharing a channel
// within the same period still share one response.
func ChannelCacheTTL(interval, ttl time.Duration) time.Duration {
	limit := interval * (ChannelEvery - 1)
	if ttl > limit {
		return limit
	}
	return ttl
}

// Upstream is the subset of youtube.Client a Monitor needs.
type Upstream interface {
	FetchBroadcastStatus(ctx context.Context, videoID, apiKey string) (youtube.BroadcastStatus, error)
	FetchVideoStatistics(ctx context.Context, videoID, apiKey string) (youtube.VideoStatistics, error)
	FetchChannelStatistics(ctx context.Context, channelID, apiKey string) (youtube.ChannelStatistics, error)
}

// Status is the last known broadcast state of a stream.
type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusLive
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "LIVE"
	case StatusOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// OutagePolicy decides whether a failed status check on a live stream
// counts as an outage.
type OutagePolicy string

const (
	// OutageConfirmed only counts a successful OFFLINE observation after LIVE.
	OutageConfirmed OutagePolicy = "confirmed"
	// OutageConservative also counts a failed check while LIVE.
	OutageConservative OutagePolicy = "conservative"
)

// ParseOutagePolicy validates a policy name.
func ParseOutagePolicy(s string) (OutagePolicy, error) {
	switch p := OutagePolicy(s); p {
	case OutageConfirmed, OutageConservative:
		return p, nil
	default:
		return "", fmt.Errorf("unknown outage policy %q", s)
	}
}

// State is the private bookkeeping of one stream.
type State struct {
	CycleCount        uint64
	ConsecutiveErrors uint64
	TotalErrors       uint64
	LastStatus        Status
	LastCheckedAt     time.Time
}

// Options tune a Monitor.
type Options struct {
	Interval     time.Duration
	MaxBackoff   time.Duration
	OutagePolicy OutagePolicy
}

// Monitor polls one stream on its own schedule and writes the results to
// the registry under the stream's label. Its state is never shared.
type Monitor struct {
	stream   config.Stream
	upstream Upstream
	registry *collector.Registry
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	mu    sync.RWMutex
	state State

	// owned by the tick loop
	pendingStatistics bool
	pendingChannel    bool
	tickErrors        int
	quotaExceeded     bool
	backoff           *backoff.Backoff
}

// New returns a Monitor for stream. The stream must already be registered
// in registry.
func New(stream config.Stream, upstream Upstream, registry *collector.Registry, logger *slog.Logger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultInterval
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = opts.Interval
	}
	if opts.OutagePolicy == "" {
		opts.OutagePolicy = OutageConfirmed
	}

	return &Monitor{
		stream:   stream,
		upstream: upstream,
		registry: registry,
		logger: logger.With(
			"stream", stream.Name,
			"channel", stream.ChannelName,
			"video_id", stream.VideoID,
		),
		opts: opts,
		now:  time.Now,
		backoff: &backoff.Backoff{
			Min:    opts.Interval,
			Max:    opts.MaxBackoff,
			Factor: 2,
		},
	}
}

// Name returns the stream label.
func (m *Monitor) Name() string {
	return m.stream.Name
}

// State returns a copy of the stream bookkeeping.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Run ticks until ctx is done. A tick in progress is never cancelled, its
// duration is bounded by the upstream timeouts.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitoring started", "interval", m.opts.Interval)

	for {
		m.safeTick(context.WithoutCancel(ctx))

		timer := time.NewTimer(m.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("monitoring stopped", "cycles", m.State().CycleCount)
			return nil
		case <-timer.C:
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("tick panicked", "panic", r)
		}
	}()

	m.Tick(ctx)
}

// nextDelay is the configured interval, stretched while the API quota is
// exhausted.
func (m *Monitor) nextDelay() time.Duration {
	if m.quotaExceeded {
		d := m.backoff.Duration()
		m.logger.Warn("quota exceeded, backing off", "delay", d)
		return d
	}

	m.backoff.Reset()
	return m.opts.Interval
}

// Tick performs one polling cycle. The status query runs every cycle,
// video statistics every StatisticsEvery cycles and channel statistics every
// ChannelEvery cycles, plus any query left pending by a retryable failure.
// Failures are counted and logged, never returned.
func (m *Monitor) Tick(ctx context.Context) {
	cycle := m.State().CycleCount
	m.tickErrors = 0
	m.quotaExceeded = false

	defer m.finishTick()

	m.checkStatus(ctx)

	if cycle%StatisticsEvery == 0 || m.pendingStatistics {
		m.pendingStatistics = false
		m.updateStatistics(ctx)
	}

	if cycle%ChannelEvery == 0 || m.pendingChannel {
		m.pendingChannel = false
		m.updateChannel(ctx)
	}
}

// finishTick advances the cycle exactly once per tick, even when the tick
// panicked.
func (m *Monitor) finishTick() {
	now := m.now()

	m.mu.Lock()
	m.state.CycleCount++
	m.state.LastCheckedAt = now
	if m.tickErrors == 0 {
		m.state.ConsecutiveErrors = 0
	}
	m.mu.Unlock()

	m.must(m.registry.IncrementCounter(collector.CheckCount, m.stream.Name, 1))
	m.must(m.registry.SetGauge(collector.StreamLastCheck, m.stream.Name, float64(now.Unix())))
}

func (m *Monitor) checkStatus(ctx context.Context) {
	begin := time.Now()
	status, err := m.upstream.FetchBroadcastStatus(ctx, m.stream.VideoID, m.stream.APIKey)
	if youtube.IsNotFound(err) {
		// an ended or removed broadcast is a valid offline observation
		m.logger.Debug("video not found, treating as offline", "err", err)
		status, err = youtube.BroadcastStatus{}, nil
	}
	m.registry.ObserveQuery(m.stream.Name, string(youtube.QueryBroadcastStatus), time.Since(begin), err == nil)

	prev := m.State().LastStatus

	if err != nil {
		m.apiError(youtube.QueryBroadcastStatus, err)
		if youtube.IsThrottled(err) {
			return
		}

		if m.opts.OutagePolicy == OutageConservative && prev == StatusLive {
			m.must(m.registry.SetGauge(collector.StreamStatus, m.stream.Name, 0))
			m.must(m.registry.IncrementCounter(collector.StreamErrors, m.stream.Name, 1))
			m.setStatus(StatusUnknown)
		}
		return
	}

	next := StatusOffline
	var value float64
	if status.Live {
		next = StatusLive
		value = 1
	}

	m.must(m.registry.SetGauge(collector.StreamStatus, m.stream.Name, value))
	m.must(m.registry.SetGauge(collector.StreamViewers, m.stream.Name, float64(status.Viewers)))
	if status.Title != "" {
		m.must(m.registry.SetVideoInfo(m.stream.Name, status.Title, status.Live))
	}

	if prev == StatusLive && next != StatusLive {
		m.must(m.registry.IncrementCounter(collector.StreamErrors, m.stream.Name, 1))
		m.logger.Warn("stream went offline")
	}
	m.setStatus(next)

	m.logger.Info("stream status", "status", next, "viewers", status.Viewers)
}

func (m *Monitor) updateStatistics(ctx context.Context) {
	begin := time.Now()
	stats, err := m.upstream.FetchVideoStatistics(ctx, m.stream.VideoID, m.stream.APIKey)
	m.registry.ObserveQuery(m.stream.Name, string(youtube.QueryVideoStatistics), time.Since(begin), err == nil)

	if err != nil {
		m.apiError(youtube.QueryVideoStatistics, err)
		if !youtube.IsNotFound(err) {
			return
		}
		stats = youtube.VideoStatistics{}
	}

	m.must(m.registry.SetGauge(collector.VideoViews, m.stream.Name, float64(stats.Views)))
	m.must(m.registry.SetGauge(collector.VideoLikes, m.stream.Name, float64(stats.Likes)))
	m.must(m.registry.SetGauge(collector.VideoComments, m.stream.Name, float64(stats.Comments)))
	m.must(m.registry.SetGauge(collector.VideoFavorites, m.stream.Name, float64(stats.Favorites)))
	m.must(m.registry.SetGauge(collector.EngagementRate, m.stream.Name, EngagementRate(stats.Likes, stats.Views)))

	if err == nil {
		m.logger.Info("video statistics", "views", stats.Views, "likes", stats.Likes, "comments", stats.Comments)
	}
}

func (m *Monitor) updateChannel(ctx context.Context) {
	begin := time.Now()
	stats, err := m.upstream.FetchChannelStatistics(ctx, m.stream.ChannelID, m.stream.APIKey)
	m.registry.ObserveQuery(m.stream.Name, string(youtube.QueryChannelStatistics), time.Since(begin), err == nil)

	if err != nil {
		m.apiError(youtube.QueryChannelStatistics, err)
		if !youtube.IsNotFound(err) {
			return
		}
		stats = youtube.ChannelStatistics{}
	}

	m.must(m.registry.SetGauge(collector.ChannelSubscribers, m.stream.Name, float64(stats.Subscribers)))
	if stats.Title != "" {
		m.must(m.registry.SetChannelInfo(m.stream.Name, stats.Title))
	}

	if err == nil {
		m.logger.Info("channel statistics", "subscribers", stats.Subscribers)
	}
}

// apiError counts a failed query and schedules a retry when it may succeed
// later.
func (m *Monitor) apiError(q youtube.Query, err error) {
	if youtube.IsThrottled(err) {
		m.throttled(q, err)
		return
	}

	m.tickErrors++
	m.must(m.registry.IncrementCounter(collector.APIErrors, m.stream.Name, 1))

	m.mu.Lock()
	m.state.ConsecutiveErrors++
	m.state.TotalErrors++
	m.mu.Unlock()

	kind, _ := youtube.KindOf(err)
	if kind == youtube.KindQuotaExceeded {
		m.quotaExceeded = true
	}

	if youtube.IsRetryable(err) {
		switch q {
		case youtube.QueryVideoStatistics:
			m.pendingStatistics = true
		case youtube.QueryChannelStatistics:
			m.pendingChannel = true
		}
	}

	log := m.logger.Warn
	if kind == youtube.KindMalformed {
		log = m.logger.Error
	}
	log("youtube api error", "query", q, "kind", kind, "err", err)
}

// throttled handles a query held back by the local quota limiter. No call
// reached the API, so nothing is counted and no backoff applies; the query
// is retried on the next tick.
func (m *Monitor) throttled(q youtube.Query, err error) {
	switch q {
	case youtube.QueryVideoStatistics:
		m.pendingStatistics = true
	case youtube.QueryChannelStatistics:
		m.pendingChannel = true
	}

	m.logger.Debug("query throttled locally", "query", q, "err", err)
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	m.state.LastStatus = s
	m.mu.Unlock()
}

// must logs registry errors, which only occur for an unregistered stream.
func (m *Monitor) must(err error) {
	if err != nil {
		m.logger.Error("could not update metric", "err", err)
	}
}

// EngagementRate is likes per view as a percentage, 0 without views.
func EngagementRate(likes, views uint64) float64 {
	if views == 0 {
		return 0
	}
	return float64(likes) / float64(views) * 100
}
