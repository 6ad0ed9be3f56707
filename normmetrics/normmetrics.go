// Package normmetrics exposes per-sender engine state as Prometheus
// metrics, following the same Collect-time snapshot shape as
// runZeroInc-conniver's TCPInfoCollector: metrics are built from live state
// on every scrape rather than updated incrementally, and senders are
// tracked/untracked explicitly by the caller instead of being
// auto-discovered.
package normmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/soypat/norm"
)

// Collector implements prometheus.Collector over a set of tracked senders.
// The caller calls Track/Untrack as senders come and go (for example on
// EventSenderActive/EventSenderInactive); the Controller does not call them.
type Collector struct {
	mu      sync.Mutex
	senders map[uint16]*norm.Sender
	labels  []string // const label values applied to every metric, e.g. group address.

	grtt      *prometheus.Desc
	rate      *prometheus.Desc
	loss      *prometheus.Desc
	groupSize *prometheus.Desc
	backoff   *prometheus.Desc
}

// NewCollector builds a Collector. constLabels are attached to every metric
// (e.g. a "session" label identifying which multicast group this engine is
// listening on).
func NewCollector(constLabels prometheus.Labels) *Collector {
	varLabels := []string{"sender_id", "sender_tag"}
	return &Collector{
		senders:   make(map[uint16]*norm.Sender),
		grtt:      prometheus.NewDesc("norm_sender_grtt_seconds", "Estimated group round-trip time.", varLabels, constLabels),
		rate:      prometheus.NewDesc("norm_sender_cc_rate_bytes_per_second", "TFRC-estimated fair send rate for this sender.", varLabels, constLabels),
		loss:      prometheus.NewDesc("norm_sender_loss_event_rate", "Current loss-event rate estimate.", varLabels, constLabels),
		groupSize: prometheus.NewDesc("norm_sender_group_size", "Estimated receiver group size reported by this sender.", varLabels, constLabels),
		backoff:   prometheus.NewDesc("norm_sender_backoff_factor", "Currently effective NACK backoff factor.", varLabels, constLabels),
	}
}

// Track begins reporting metrics for s, keyed by its node id.
func (c *Collector) Track(s *norm.Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders[s.ID] = s
}

// Untrack stops reporting metrics for the sender with the given node id.
func (c *Collector) Untrack(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.senders, id)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.grtt
	descs <- c.rate
	descs <- c.loss
	descs <- c.groupSize
	descs <- c.backoff
}

// Collect implements prometheus.Collector, snapshotting every tracked
// sender's current estimates.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.senders {
		// sender_tag separates incarnations that reused a wire sender id.
		label, tag := idLabel(id), s.Tag().String()
		metrics <- prometheus.MustNewConstMetric(c.grtt, prometheus.GaugeValue, s.GRTT().Seconds(), label, tag)
		metrics <- prometheus.MustNewConstMetric(c.groupSize, prometheus.GaugeValue, s.GroupSize(), label, tag)
		metrics <- prometheus.MustNewConstMetric(c.backoff, prometheus.GaugeValue, s.BackoffFactor(), label, tag)
		metrics <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, s.Rate(), label, tag)
		metrics <- prometheus.MustNewConstMetric(c.loss, prometheus.GaugeValue, s.LossRate(), label, tag)
	}
}

func idLabel(id uint16) string {
	const hex = "0123456789abcdef"
	b := [4]byte{hex[(id>>12)&0xf], hex[(id>>8)&0xf], hex[(id>>4)&0xf], hex[id&0xf]}
	return string(b[:])
}
