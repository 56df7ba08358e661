package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/damoun/youtube_exporter/cache"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi/transport"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"
)

const liveBroadcastContent = "live"

var (
	ErrNoItems         = errors.New("no matching resource in response")
	ErrMissingSnippet  = errors.New("response item has no snippet")
	ErrMissingStats    = errors.New("response item has no statistics")
	ErrMissingAPIKey   = errors.New("missing api key")
	ErrInvalidResource = errors.New("empty resource id")
	ErrThrottled       = errors.New("local quota limiter has no token before the deadline")
)

// BroadcastStatus is the live state of a video.
type BroadcastStatus struct {
	Live    bool
	Viewers uint64
	Title   string
}

// VideoStatistics holds the public counters of a video.
type VideoStatistics struct {
	Views     uint64 `json:"views"`
	Likes     uint64 `json:"likes"`
	Comments  uint64 `json:"comments"`
	Favorites uint64 `json:"favorites"`
}

// ChannelStatistics holds the public counters of a channel.
type ChannelStatistics struct {
	Subscribers uint64 `json:"subscribers"`
	Title       string `json:"title"`
}

// Options configures a Client.
type Options struct {
	// Timeout bounds every request, including the wait for quota tokens.
	Timeout time.Duration
	// Endpoint overrides the Data API base URL.
	Endpoint string
	// QuotaRate and QuotaBurst size the token bucket shared by every stream
	// using the same API key. A zero QuotaRate disables limiting.
	QuotaRate  float64
	QuotaBurst int
	// Cache, when set, holds channel statistics for CacheTTL.
	Cache    *cache.Cache
	CacheTTL time.Duration
}

// Client performs the three read-only queries against the YouTube Data API.
// It holds one service and one limiter per API key and no per-stream state.
type Client struct {
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	services map[string]*ytapi.Service
	limiters map[string]*rate.Limiter
}

// NewClient returns a Client ready to be shared between monitors.
func NewClient(logger *slog.Logger, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	return &Client{
		logger:   logger,
		opts:     opts,
		services: make(map[string]*ytapi.Service),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) service(ctx context.Context, apiKey string) (*ytapi.Service, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[apiKey]; ok {
		return svc, nil
	}

	opts := []option.ClientOption{
		option.WithHTTPClient(&http.Client{
			Timeout:   c.opts.Timeout,
			Transport: &transport.APIKey{Key: apiKey},
		}),
	}
	if c.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.opts.Endpoint))
	}

	svc, err := ytapi.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}

	c.services[apiKey] = svc
	return svc, nil
}

func (c *Client) limiter(apiKey string) *rate.Limiter {
	if c.opts.QuotaRate <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[apiKey]
	if !ok {
		burst := c.opts.QuotaBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.opts.QuotaRate), burst)
		c.limiters[apiKey] = l
	}
	return l
}

// prepare resolves the service for apiKey and waits for a quota token.
func (c *Client) prepare(ctx context.Context, q Query, id, apiKey string) (*ytapi.Service, error) {
	if id == "" {
		return nil, newError(q, KindNotFound, ErrInvalidResource)
	}

	svc, err := c.service(ctx, apiKey)
	if err != nil {
		return nil, newError(q, KindMalformed, err)
	}

	if l := c.limiter(apiKey); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, newError(q, KindThrottled, fmt.Errorf("%w: %w", ErrThrottled, err))
		}
	}

	return svc, nil
}

// FetchBroadcastStatus reports whether videoID is an active live broadcast
// and its concurrent viewers. A video that is not live is a valid result,
// an unknown video is a KindNotFound error.
func (c *Client) FetchBroadcastStatus(ctx context.Context, videoID, apiKey string) (BroadcastStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	svc, err := c.prepare(ctx, QueryBroadcastStatus, videoID, apiKey)
	if err != nil {
		return BroadcastStatus{}, err
	}

	resp, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(videoID).
		Context(ctx).
		Do()
	if err != nil {
		return BroadcastStatus{}, classify(QueryBroadcastStatus, err)
	}

	if len(resp.Items) == 0 {
		return BroadcastStatus{}, newError(QueryBroadcastStatus, KindNotFound, ErrNoItems)
	}

	item := resp.Items[0]
	if item.Snippet == nil {
		return BroadcastStatus{}, newError(QueryBroadcastStatus, KindMalformed, ErrMissingSnippet)
	}

	status := BroadcastStatus{
		Live:  item.Snippet.LiveBroadcastContent == liveBroadcastContent,
		Title: item.Snippet.Title,
	}
	if item.LiveStreamingDetails != nil {
		status.Viewers = item.LiveStreamingDetails.ConcurrentViewers
	}

	return status, nil
}

// FetchVideoStatistics returns the view, like, comment and favorite counts
// of videoID.
func (c *Client) FetchVideoStatistics(ctx context.Context, videoID, apiKey string) (VideoStatistics, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	svc, err := c.prepare(ctx, QueryVideoStatistics, videoID, apiKey)
	if err != nil {
		return VideoStatistics{}, err
	}

	resp, err := svc.Videos.List([]string{"statistics"}).
		Id(videoID).
		Context(ctx).
		Do()
	if err != nil {
		return VideoStatistics{}, classify(QueryVideoStatistics, err)
	}

	if len(resp.Items) == 0 {
		return VideoStatistics{}, newError(QueryVideoStatistics, KindNotFound, ErrNoItems)
	}

	stats := resp.Items[0].Statistics
	if stats == nil {
		return VideoStatistics{}, newError(QueryVideoStatistics, KindMalformed, ErrMissingStats)
	}

	return VideoStatistics{
		Views:     stats.ViewCount,
		Likes:     stats.LikeCount,
		Comments:  stats.CommentCount,
		Favorites: stats.FavoriteCount,
	}, nil
}
