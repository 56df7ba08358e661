package collector

import "github.com/prometheus/client_golang/prometheus"

const namespace = "youtube"

// Metric names exposed per stream. Dashboards and alert rules key on them.
const (
	StreamStatus       = "youtube_stream_status"
	StreamViewers      = "youtube_stream_viewers"
	VideoViews         = "youtube_video_views"
	VideoLikes         = "youtube_video_likes"
	VideoComments      = "youtube_video_comments"
	VideoFavorites     = "youtube_video_favorites"
	ChannelSubscribers = "youtube_channel_subscribers"
	EngagementRate     = "youtube_engagement_rate"
	StreamLastCheck    = "youtube_stream_last_check_timestamp_seconds"
	CheckCount         = "youtube_stream_check_count_total"
	StreamErrors       = "youtube_stream_error_count_total"
	APIErrors          = "youtube_api_errors_total"
)

var streamLabels = []string{"stream", "channel", "environment"}

// typedDesc describes one per-stream series family.
type typedDesc struct {
	name      string
	help      string
	valueType prometheus.ValueType
}

var streamMetrics = []typedDesc{
	{StreamStatus, "YouTube stream status (1=LIVE, 0=OFFLINE).", prometheus.GaugeValue},
	{StreamViewers, "YouTube stream concurrent viewer count.", prometheus.GaugeValue},
	{VideoViews, "Total view count of the video.", prometheus.GaugeValue},
	{VideoLikes, "Like count of the video.", prometheus.GaugeValue},
	{VideoComments, "Comment count of the video.", prometheus.GaugeValue},
	{VideoFavorites, "Favorite count of the video.", prometheus.GaugeValue},
	{ChannelSubscribers, "Channel subscriber count.", prometheus.GaugeValue},
	{EngagementRate, "Engagement rate (likes/views %).", prometheus.GaugeValue},
	{StreamLastCheck, "Unix time of the last completed check.", prometheus.GaugeValue},
	{CheckCount, "Total checks performed.", prometheus.CounterValue},
	{StreamErrors, "Transitions from LIVE to OFFLINE or to a failed check.", prometheus.CounterValue},
	{APIErrors, "YouTube API call failures.", prometheus.CounterValue},
}

var (
	videoInfo = prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "video_info",
		Help:      "YouTube video metadata.",
	}
	channelInfo = prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_info",
		Help:      "YouTube channel metadata.",
	}
	queryDuration = prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "exporter",
		Name:      "query_duration_seconds",
		Help:      "Duration of the last upstream query.",
	}
	querySuccess = prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "exporter",
		Name:      "query_success",
		Help:      "Whether the last upstream query succeeded.",
	}
)
