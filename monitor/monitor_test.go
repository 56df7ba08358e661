package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/damoun/youtube_exporter/collector"
	"github.com/damoun/youtube_exporter/config"
	"github.com/damoun/youtube_exporter/youtube"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errReset = errors.New("connection reset by peer")

func upstreamError(q youtube.Query, kind youtube.Kind) error {
	return &youtube.Error{Kind: kind, Query: q, Err: errReset}
}

// fakeUpstream answers with scripted results indexed by the tick in which
// the call happens. The status query runs first in every tick, so the
// number of status calls identifies the tick.
type fakeUpstream struct {
	mu sync.Mutex

	status  func(tick int) (youtube.BroadcastStatus, error)
	stats   func(tick int) (youtube.VideoStatistics, error)
	channel func(tick int) (youtube.ChannelStatistics, error)

	statusCalls  int
	statsTicks   []int
	channelTicks []int
}

func (f *fakeUpstream) FetchBroadcastStatus(ctx context.Context, videoID, apiKey string) (youtube.BroadcastStatus, error) {
	f.mu.Lock()
	tick := f.statusCalls
	f.statusCalls++
	f.mu.Unlock()

	if f.status == nil {
		return youtube.BroadcastStatus{Live: true, Viewers: 10, Title: "Live"}, nil
	}
	return f.status(tick)
}

func (f *fakeUpstream) FetchVideoStatistics(ctx context.Context, videoID, apiKey string) (youtube.VideoStatistics, error) {
	f.mu.Lock()
	tick := f.statusCalls - 1
	f.statsTicks = append(f.statsTicks, tick)
	f.mu.Unlock()

	if f.stats == nil {
		return youtube.VideoStatistics{Views: 200, Likes: 10, Comments: 3}, nil
	}
	return f.stats(tick)
}

func (f *fakeUpstream) FetchChannelStatistics(ctx context.Context, channelID, apiKey string) (youtube.ChannelStatistics, error) {
	f.mu.Lock()
	tick := f.statusCalls - 1
	f.channelTicks = append(f.channelTicks, tick)
	f.mu.Unlock()

	if f.channel == nil {
		return youtube.ChannelStatistics{Subscribers: 5000, Title: "Main"}, nil
	}
	return f.channel(tick)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStream(name string) config.Stream {
	return config.Stream{
		Name:        name,
		ChannelName: "TEST_" + name,
		ChannelID:   "UC" + name,
		VideoID:     "v" + name,
		APIKey:      "key",
		Environment: "Production",
	}
}

func newTestMonitor(t *testing.T, up Upstream, opts Options) (*Monitor, *collector.Registry) {
	t.Helper()

	registry := collector.NewRegistry()
	stream := testStream("A")
	require.NoError(t, registry.RegisterStream(stream.Name, stream.ChannelName, stream.Environment))

	if opts.Interval == 0 {
		opts.Interval = time.Second
	}
	return New(stream, up, registry, testLogger(), opts), registry
}

func value(t *testing.T, r *collector.Registry, metric string) float64 {
	t.Helper()
	v, err := r.Value(metric, "A")
	require.NoError(t, err)
	return v
}

func tick(m *Monitor, n int) {
	for range n {
		m.Tick(context.Background())
	}
}

func TestTieredCadence(t *testing.T) {
	up := &fakeUpstream{}
	m, r := newTestMonitor(t, up, Options{})

	tick(m, 12)

	assert.Equal(t, 12, up.statusCalls)
	assert.Equal(t, []int{0, 5, 10}, up.statsTicks)
	assert.Equal(t, []int{0, 10}, up.channelTicks)
	assert.Equal(t, uint64(12), m.State().CycleCount)
	assert.Equal(t, 12.0, value(t, r, collector.CheckCount))
}

func TestCycleCountAdvancesOnFailures(t *testing.T) {
	up := &fakeUpstream{
		status: func(int) (youtube.BroadcastStatus, error) {
			return youtube.BroadcastStatus{}, upstreamError(youtube.QueryBroadcastStatus, youtube.KindMalformed)
		},
		stats: func(int) (youtube.VideoStatistics, error) {
			return youtube.VideoStatistics{}, upstreamError(youtube.QueryVideoStatistics, youtube.KindMalformed)
		},
		channel: func(int) (youtube.ChannelStatistics, error) {
			return youtube.ChannelStatistics{}, upstreamError(youtube.QueryChannelStatistics, youtube.KindMalformed)
		},
	}
	m, r := newTestMonitor(t, up, Options{})

	for i := 1; i <= 6; i++ {
		tick(m, 1)
		assert.Equal(t, uint64(i), m.State().CycleCount)
		assert.Equal(t, float64(i), value(t, r, collector.CheckCount))
	}

	// status every tick, statistics at 0 and 5, channel at 0
	assert.Equal(t, 9.0, value(t, r, collector.APIErrors))
	assert.Equal(t, uint64(9), m.State().TotalErrors)
	assert.Equal(t, uint64(9), m.State().ConsecutiveErrors)
	assert.Equal(t, StatusUnknown, m.State().LastStatus)
}

func TestStatusFailureKeepsLastKnownValue(t *testing.T) {
	up := &fakeUpstream{
		status: func(tick int) (youtube.BroadcastStatus, error) {
			if tick == 0 {
				return youtube.BroadcastStatus{Live: true, Viewers: 100}, nil
			}
			return youtube.BroadcastStatus{}, upstreamError(youtube.QueryBroadcastStatus, youtube.KindTransient)
		},
	}
	m, r := newTestMonitor(t, up, Options{})

	tick(m, 2)

	assert.Equal(t, 1.0, value(t, r, collector.StreamStatus))
	assert.Equal(t, 100.0, value(t, r, collector.StreamViewers))
	assert.Equal(t, 1.0, value(t, r, collector.APIErrors))
	assert.Equal(t, 2.0, value(t, r, collector.CheckCount))
	assert.Equal(t, 0.0, value(t, r, collector.StreamErrors))
	assert.Equal(t, StatusLive, m.State().LastStatus)
}

func TestOutageCountedOnce(t *testing.T) {
	up := &fakeUpstream{
		status: func(tick int) (youtube.BroadcastStatus, error) {
			if tick == 0 {
				return youtube.BroadcastStatus{Live: true, Viewers: 100}, nil
			}
			return youtube.BroadcastStatus{}, nil
		},
	}
	m, r := newTestMonitor(t, up, Options{})

	tick(m, 1)
	assert.Equal(t, 0.0, value(t, r, collector.StreamErrors))

	tick(m, 4)
	assert.Equal(t, 1.0, value(t, r, collector.StreamErrors))
	assert.Equal(t, 0.0, value(t, r, collector.StreamStatus))
	assert.Equal(t, 0.0, value(t, r, collector.StreamViewers))
	assert.Equal(t, StatusOffline, m.State().LastStatus)
}

func TestInitialOfflineIsNotAnOutage(t *testing.T) {
	up := &fakeUpstream{
		status: func(int) (youtube.BroadcastStatus, error) {
			return youtube.BroadcastStatus{}, nil
		},
	}
	m, r := newTestMonitor(t, up, Options{})

	tick(m, 3)
	assert.Equal(t, 0.0, value(t, r, collector.StreamErrors))
}

func TestConservativeOutagePolicy(t *testing.T) {
	up := &fakeUpstream{
		status: func(tick int) (youtube.BroadcastStatus, error) {
			switch tick {
			case 0:
				return youtube.BroadcastStatus{Live: true, Viewers: 100}, nil
			case 1, 2:
				return youtube.BroadcastStatus{}, upstreamError(youtube.QueryBroadcastStatus, youtube.KindTransient)
			default:
				return youtube.BroadcastStatus{}, nil
			}
		},
	}
	m, r := newTestMonitor(t, up, Options{OutagePolicy: OutageConservative})

	tick(m, 2)
	assert.Equal(t, 0.0, value(t, r, collector.StreamStatus))
	assert.Equal(t, 1.0, value(t, r, collector.StreamErrors))
	assert.Equal(t, StatusUnknown, m.State().LastStatus)

	// further failures and the confirmed OFFLINE do not count again
	tick(m, 2)
	assert.Equal(t, 1.0, value(t, r, collector.StreamErrors))
	assert.Equal(t, 2.0, value(t, r, collector.APIErrors))
	assert.Equal(t, StatusOffline, m.State().LastStatus)
}

func TestNotFoundStatusIsOffline(t *testing.T) {
	up := &fakeUpstream{
		status: func(tick int) (youtube.BroadcastStatus, error) {
			if tick == 0 {
				return youtube.BroadcastStatus{Live: true, Viewers: 7}, nil
			}
			return youtube.BroadcastStatus{}, upstreamError(youtube.QueryBroadcastStatus, youtube.KindNotFound)
		},
	}
	m, r := newTestMonitor(t, up, Options{})

	tick(m, 2)
	assert.Equal(t, 0.0, value(t, r, collector.StreamStatus))
	assert.Equal(t, 0.0, value(t, r, collector.APIErrors))
	assert.Equal(t, 1.0, value(t, r, collector.StreamErrors))
	assert.Equal(t, StatusOffline, m.State().LastStatus)
}

func TestNotFoundStatisticsWriteZeros(t *testing.T) {
	up := &fakeUpstream{
		stats: func(tick int) (youtube.VideoStatistics, error) {
			if tick == 0 {
				return youtube.VideoStatistics{Views: 100, Likes: 5}, nil
			}
			return youtube.VideoStatistics{}, upstreamError(youtube.QueryVideoStatistics, youtube.KindNotFound)
		},
	}
	m, r := newTestMonitor(t, up, Options{})

	tick(m, 1)
	assert.Equal(t, 100.0, value(t, r, collector.VideoViews))
	assert.Equal(t, 5.0, value(t, r, collector.EngagementRate))

	tick(m, 5)
	assert.Equal(t, 0.0, value(t, r, collector.VideoViews))
	assert.Equal(t, 0.0, value(t, r, collector.EngagementRate))
	assert.Equal(t, 1.0, value(t, r, collector.APIErrors))
	// not retryable, so no extra statistics call
	assert.Equal(t, []int{0, 5}, up.statsTicks)
}

func TestPartialTickSuccess(t *testing.T) {
	up := &fakeUpstream{
		status: func(tick int) (youtube.BroadcastStatus, error) {
			return youtube.BroadcastStatus{Live: true, Viewers: uint64(100 + tick)}, nil
		},
		channel: func(tick int) (youtube.ChannelStatistics, error) {
			if tick == 10 {
				return youtube.ChannelStatistics{}, upstreamError(youtube.QueryChannelStatistics, youtube.KindTransient)
			}
			return youtube.ChannelStatistics{Subscribers: uint64(1000 + tick)}, nil
		},
	}
	m, r := newTestMonitor(t, up, Options{})

	tick(m, 11)

	assert.Equal(t, 110.0, value(t, r, collector.StreamViewers))
	assert.Equal(t, 1.0, value(t, r, collector.StreamStatus))
	assert.Equal(t, 1000.0, value(t, r, collector.ChannelSubscribers))
	assert.Equal(t, 1.0, value(t, r, collector.APIErrors))
	assert.Equal(t, []int{0, 5, 10}, up.statsTicks)

	// the failed channel query is retried on the next tick
	tick(m, 1)
	assert.Equal(t, []int{0, 10, 11}, up.channelTicks)
	assert.Equal(t, 1011.0, value(t, r, collector.ChannelSubscribers))
	assert.Equal(t, uint64(0), m.State().ConsecutiveErrors)
	assert.Equal(t, uint64(1), m.State().TotalErrors)
}

func TestQuotaExceededBacksOff(t *testing.T) {
	quota := true
	up := &fakeUpstream{
		status: func(int) (youtube.BroadcastStatus, error) {
			if quota {
				return youtube.BroadcastStatus{}, upstreamError(youtube.QueryBroadcastStatus, youtube.KindQuotaExceeded)
			}
			return youtube.BroadcastStatus{}, nil
		},
	}
	m, _ := newTestMonitor(t, up, Options{Interval: time.Second, MaxBackoff: 4 * time.Second})

	tick(m, 1)
	assert.Equal(t, time.Second, m.nextDelay())
	tick(m, 1)
	assert.Equal(t, 2*time.Second, m.nextDelay())
	tick(m, 1)
	assert.Equal(t, 4*time.Second, m.nextDelay())
	tick(m, 1)
	assert.Equal(t, 4*time.Second, m.nextDelay())

	quota = false
	tick(m, 1)
	assert.Equal(t, time.Second, m.nextDelay())
}

func TestEngagementRate(t *testing.T) {
	assert.Equal(t, 0.0, EngagementRate(0, 0))
	assert.Equal(t, 0.0, EngagementRate(50, 0))
	assert.InDelta(t, 5.0, EngagementRate(50, 1000), 1e-9)
	assert.InDelta(t, 33.3333333, EngagementRate(1, 3), 1e-6)
}

func TestParseOutagePolicy(t *testing.T) {
	p, err := ParseOutagePolicy("conservative")
	require.NoError(t, err)
	assert.Equal(t, OutageConservative, p)

	_, err = ParseOutagePolicy("optimistic")
	assert.Error(t, err)
}

func TestConcurrentMonitorsAreIsolated(t *testing.T) {
	const ticks = 25

	registry := collector.NewRegistry()
	var monitors []*Monitor
	for i := range 4 {
		stream := testStream(fmt.Sprintf("S%d", i))
		require.NoError(t, registry.RegisterStream(stream.Name, stream.ChannelName, stream.Environment))

		failing := i%2 == 1
		up := &fakeUpstream{
			status: func(tick int) (youtube.BroadcastStatus, error) {
				if failing {
					return youtube.BroadcastStatus{}, upstreamError(youtube.QueryBroadcastStatus, youtube.KindTransient)
				}
				return youtube.BroadcastStatus{Live: true, Viewers: uint64(i)}, nil
			},
		}
		monitors = append(monitors, New(stream, up, registry, testLogger(), Options{Interval: time.Second}))
	}

	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tick(m, ticks)
		}()
	}

	stop := make(chan struct{})
	scraped := make(chan struct{})
	go func() {
		defer close(scraped)
		for {
			select {
			case <-stop:
				return
			default:
				_, err := registry.RenderSnapshot()
				assert.NoError(t, err)
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-scraped

	for i, m := range monitors {
		v, err := registry.Value(collector.CheckCount, m.Name())
		require.NoError(t, err)
		assert.Equal(t, float64(ticks), v)

		apiErrors, err := registry.Value(collector.APIErrors, m.Name())
		require.NoError(t, err)
		status, err := registry.Value(collector.StreamStatus, m.Name())
		require.NoError(t, err)

		if i%2 == 1 {
			assert.Equal(t, float64(ticks), apiErrors)
			assert.Equal(t, 0.0, status)
		} else {
			assert.Equal(t, 0.0, apiErrors)
			assert.Equal(t, 1.0, status)
			viewers, err := registry.Value(collector.StreamViewers, m.Name())
			require.NoError(t, err)
			assert.Equal(t, float64(i), viewers)
		}
	}
}

func TestThrottledQueryIsNotCounted(t *testing.T) {
	up := &fakeUpstream{
		status: func(tick int) (youtube.BroadcastStatus, error) {
			if tick == 1 {
				return youtube.BroadcastStatus{}, upstreamError(youtube.QueryBroadcastStatus, youtube.KindThrottled)
			}
			return youtube.BroadcastStatus{Live: true, Viewers: 10}, nil
		},
		stats: func(tick int) (youtube.VideoStatistics, error) {
			if tick == 0 {
				return youtube.VideoStatistics{}, upstreamError(youtube.QueryVideoStatistics, youtube.KindThrottled)
			}
			return youtube.VideoStatistics{Views: 100, Likes: 1}, nil
		},
	}
	m, r := newTestMonitor(t, up, Options{Interval: time.Second, OutagePolicy: OutageConservative})

	tick(m, 1)
	assert.Equal(t, 0.0, value(t, r, collector.APIErrors))
	assert.Equal(t, time.Second, m.nextDelay())

	// held back status on a live stream is no observation, statistics retried
	tick(m, 1)
	assert.Equal(t, []int{0, 1}, up.statsTicks)
	assert.Equal(t, 100.0, value(t, r, collector.VideoViews))
	assert.Equal(t, 1.0, value(t, r, collector.StreamStatus))
	assert.Equal(t, 0.0, value(t, r, collector.StreamErrors))
	assert.Equal(t, 0.0, value(t, r, collector.APIErrors))
	assert.Equal(t, StatusLive, m.State().LastStatus)
	assert.Equal(t, uint64(0), m.State().TotalErrors)
	assert.Equal(t, time.Second, m.nextDelay())
}

func TestTickPanicStillAdvancesCycle(t *testing.T) {
	up := &fakeUpstream{
		status: func(tick int) (youtube.BroadcastStatus, error) {
			if tick == 0 {
				panic("unexpected response")
			}
			return youtube.BroadcastStatus{Live: true}, nil
		},
	}
	m, r := newTestMonitor(t, up, Options{})

	m.safeTick(context.Background())
	assert.Equal(t, uint64(1), m.State().CycleCount)
	assert.Equal(t, 1.0, value(t, r, collector.CheckCount))

	m.safeTick(context.Background())
	assert.Equal(t, uint64(2), m.State().CycleCount)
	assert.Equal(t, 2.0, value(t, r, collector.CheckCount))
	assert.Equal(t, 1.0, value(t, r, collector.StreamStatus))
}

func TestChannelCacheTTL(t *testing.T) {
	assert.Equal(t, 90*time.Second, ChannelCacheTTL(10*time.Second, 5*time.Minute))
	assert.Equal(t, time.Minute, ChannelCacheTTL(30*time.Second, time.Minute))
	assert.Less(t, ChannelCacheTTL(time.Second, time.Hour), time.Second*ChannelEvery)
}
