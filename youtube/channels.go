package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/eko/gocache/lib/v4/store"
)

var (
	ErrCacheMiss = store.NotFound{}
)

// FetchChannelStatistics returns the subscriber count and title of channelID.
// Responses are cached for CacheTTL so streams sharing a channel spend the
// quota once.
func (c *Client) FetchChannelStatistics(ctx context.Context, channelID, apiKey string) (ChannelStatistics, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	cacheKey := buildCacheKey("channel", "statistics", channelID)
	if stats, ok := c.cachedChannel(ctx, cacheKey); ok {
		return stats, nil
	}

	svc, err := c.prepare(ctx, QueryChannelStatistics, channelID, apiKey)
	if err != nil {
		return ChannelStatistics{}, err
	}

	resp, err := svc.Channels.List([]string{"statistics", "snippet"}).
		Id(channelID).
		Context(ctx).
		Do()
	if err != nil {
		return ChannelStatistics{}, classify(QueryChannelStatistics, err)
	}

	// dont cache empty responses
	if len(resp.Items) == 0 {
		return ChannelStatistics{}, newError(QueryChannelStatistics, KindNotFound, ErrNoItems)
	}

	item := resp.Items[0]
	if item.Statistics == nil {
		return ChannelStatistics{}, newError(QueryChannelStatistics, KindMalformed, ErrMissingStats)
	}

	stats := ChannelStatistics{Subscribers: item.Statistics.SubscriberCount}
	if item.Snippet != nil {
		stats.Title = item.Snippet.Title
	}

	c.storeChannel(ctx, cacheKey, stats)

	return stats, nil
}

func (c *Client) cachedChannel(ctx context.Context, cacheKey string) (ChannelStatistics, bool) {
	if c.opts.Cache == nil {
		return ChannelStatistics{}, false
	}

	data, err := c.opts.Cache.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("could not read channel statistics from cache", "key", cacheKey, "err", err.Error())
		}
		return ChannelStatistics{}, false
	}

	if data == "" {
		return ChannelStatistics{}, false
	}

	var stats ChannelStatistics
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		c.logger.Warn("could not decode cached channel statistics", "key", cacheKey, "err", err.Error())
		return ChannelStatistics{}, false
	}

	c.logger.Debug("channel statistics served from cache", "key", cacheKey)
	return stats, true
}

func (c *Client) storeChannel(ctx context.Context, cacheKey string, stats ChannelStatistics) {
	if c.opts.Cache == nil || c.opts.CacheTTL <= 0 {
		return
	}

	data, err := json.Marshal(stats)
	if err != nil {
		// warn since we want to express something went wrong, but a cache
		// failure must not fail the query
		c.logger.Warn("could not marshal channel statistics for cache", "err", err.Error())
		return
	}

	if err := c.opts.Cache.Set(ctx, cacheKey, string(data), store.WithExpiration(c.opts.CacheTTL)); err != nil {
		c.logger.Warn("could not cache channel statistics", "err", err.Error())
	}
}

func buildCacheKey(parts ...string) string {
	parts = append([]string{
		"youtube_exporter",
	}, parts...)

	return strings.Join(parts, ":")
}
