package collector

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

var (
	ErrUnknownMetric    = errors.New("unknown metric")
	ErrUnknownStream    = errors.New("unknown stream")
	ErrDuplicateStream  = errors.New("stream already registered")
	ErrNegativeIncrease = errors.New("counter cannot decrease")
)

type streamInfo struct {
	labels  []string
	video   []string
	channel []string
}

// Registry holds the per-stream series of every monitor. Each monitor only
// writes series labelled with its own stream; the underlying vectors
// serialize concurrent writers and scrapes.
type Registry struct {
	reg *prometheus.Registry

	gauges   map[string]*prometheus.GaugeVec
	counters map[string]*prometheus.CounterVec

	videoInfo     *prometheus.GaugeVec
	channelInfo   *prometheus.GaugeVec
	queryDuration *prometheus.GaugeVec
	querySuccess  *prometheus.GaugeVec

	mu      sync.RWMutex
	streams map[string]*streamInfo
}

// NewRegistry returns a Registry backed by a fresh prometheus.Registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg:      prometheus.NewRegistry(),
		gauges:   make(map[string]*prometheus.GaugeVec),
		counters: make(map[string]*prometheus.CounterVec),
		streams:  make(map[string]*streamInfo),
	}

	for _, d := range streamMetrics {
		switch d.valueType {
		case prometheus.CounterValue:
			v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: d.name, Help: d.help}, streamLabels)
			r.counters[d.name] = v
			r.reg.MustRegister(v)
		default:
			v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: d.name, Help: d.help}, streamLabels)
			r.gauges[d.name] = v
			r.reg.MustRegister(v)
		}
	}

	r.videoInfo = prometheus.NewGaugeVec(videoInfo, append(streamLabels[:len(streamLabels):len(streamLabels)], "title", "live"))
	r.channelInfo = prometheus.NewGaugeVec(channelInfo, append(streamLabels[:len(streamLabels):len(streamLabels)], "title"))
	r.queryDuration = prometheus.NewGaugeVec(queryDuration, []string{"stream", "query"})
	r.querySuccess = prometheus.NewGaugeVec(querySuccess, []string{"stream", "query"})
	r.reg.MustRegister(r.videoInfo, r.channelInfo, r.queryDuration, r.querySuccess)

	return r
}

// Registerer exposes the underlying registry for process level collectors.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

// Gatherer exposes the underlying registry to the HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RegisterStream declares a stream and initialises all of its series to 0 so
// that they are visible before the first check.
func (r *Registry) RegisterStream(name, channel, environment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStream, name)
	}

	labels := []string{name, channel, environment}
	r.streams[name] = &streamInfo{labels: labels}

	for _, g := range r.gauges {
		g.WithLabelValues(labels...).Set(0)
	}
	for _, c := range r.counters {
		c.WithLabelValues(labels...).Add(0)
	}

	return nil
}

// HasStream reports whether name is registered.
func (r *Registry) HasStream(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.streams[name]
	return ok
}

func (r *Registry) stream(name string) (*streamInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return s, nil
}

// SetGauge sets a per-stream gauge.
func (r *Registry) SetGauge(metric, stream string, value float64) error {
	g, ok := r.gauges[metric]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}

	s, err := r.stream(stream)
	if err != nil {
		return err
	}

	g.WithLabelValues(s.labels...).Set(value)
	return nil
}

// IncrementCounter adds delta to a per-stream counter. Counters never
// decrease for the lifetime of the process.
func (r *Registry) IncrementCounter(metric, stream string, delta float64) error {
	c, ok := r.counters[metric]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}

	if delta < 0 {
		return fmt.Errorf("%w: %s by %v", ErrNegativeIncrease, metric, delta)
	}

	s, err := r.stream(stream)
	if err != nil {
		return err
	}

	c.WithLabelValues(s.labels...).Add(delta)
	return nil
}

// Value reads the current value of a per-stream gauge or counter.
func (r *Registry) Value(metric, stream string) (float64, error) {
	s, err := r.stream(stream)
	if err != nil {
		return 0, err
	}

	m := &dto.Metric{}
	if g, ok := r.gauges[metric]; ok {
		if err := g.WithLabelValues(s.labels...).Write(m); err != nil {
			return 0, err
		}
		return m.GetGauge().GetValue(), nil
	}

	if c, ok := r.counters[metric]; ok {
		if err := c.WithLabelValues(s.labels...).Write(m); err != nil {
			return 0, err
		}
		return m.GetCounter().GetValue(), nil
	}

	return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
}

// SetVideoInfo replaces the video metadata series of stream.
func (r *Registry) SetVideoInfo(stream, title string, live bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[stream]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}

	labels := append(s.labels[:len(s.labels):len(s.labels)], title, strconv.FormatBool(live))
	if slices.Equal(labels, s.video) {
		return nil
	}
	if s.video != nil {
		r.videoInfo.DeleteLabelValues(s.video...)
	}
	r.videoInfo.WithLabelValues(labels...).Set(1)
	s.video = labels

	return nil
}

// SetChannelInfo replaces the channel metadata series of stream.
func (r *Registry) SetChannelInfo(stream, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[stream]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}

	labels := append(s.labels[:len(s.labels):len(s.labels)], title)
	if slices.Equal(labels, s.channel) {
		return nil
	}
	if s.channel != nil {
		r.channelInfo.DeleteLabelValues(s.channel...)
	}
	r.channelInfo.WithLabelValues(labels...).Set(1)
	s.channel = labels

	return nil
}

// ObserveQuery records the duration and outcome of one upstream query.
func (r *Registry) ObserveQuery(stream, query string, duration time.Duration, success bool) {
	var ok float64
	if success {
		ok = 1
	}

	r.queryDuration.WithLabelValues(stream, query).Set(duration.Seconds())
	r.querySuccess.WithLabelValues(stream, query).Set(ok)
}

// RenderSnapshot returns every registered family in the text exposition format.
func (r *Registry) RenderSnapshot() (string, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}

	return buf.String(), nil
}
