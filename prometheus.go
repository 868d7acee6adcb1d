package main

import (
	"context"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cwsl/radio_observer/pipeline"
)

// PrometheusMetrics holds all Prometheus collectors of the observer. It
// implements the metrics sinks of the spectral processor, the recorders and
// the RTP frontend. A nil *PrometheusMetrics discards everything.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Processor
	rowsProcessed prometheus.Counter
	rowsDropped   prometheus.Counter
	rowLatency    prometheus.Histogram

	// Ring buffers (with 'store' label: spectrum or raw)
	storeCapacity     *prometheus.GaugeVec
	storeFill         *prometheus.GaugeVec
	storeBytes        *prometheus.GaugeVec
	storeReservations *prometheus.GaugeVec
	storeDirtied      *prometheus.GaugeVec

	// Recorders (with 'recorder' label)
	snapshotsWritten *prometheus.CounterVec
	snapshotRows     *prometheus.CounterVec
	snapshotsFailed  *prometheus.CounterVec
	reservationDirty *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	bolidsDetected   *prometheus.CounterVec

	// RTP frontend
	rtpPackets prometheus.Counter
	rtpLost    prometheus.Counter

	// Resources
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge
}

// NewPrometheusMetrics registers every collector on a fresh registry
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		registry: reg,
		rowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "observer_rows_processed_total",
			Help: "Spectrum rows pushed into the spectrogram buffer",
		}),
		rowsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "observer_rows_dropped_total",
			Help: "Spectrum rows refused because their slot was still reserved",
		}),
		rowLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "observer_row_latency_seconds",
			Help:    "Time from the last sample of an FFT frame to the row being pushed",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		storeCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "observer_store_capacity_rows",
			Help: "Capacity of the ring buffer in rows",
		}, []string{"store"}),
		storeFill: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "observer_store_fill_rows",
			Help: "Rows currently held by the ring buffer",
		}, []string{"store"}),
		storeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "observer_store_bytes",
			Help: "Memory allocated for the ring buffer",
		}, []string{"store"}),
		storeReservations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "observer_store_reservations",
			Help: "Live reservations on the ring buffer",
		}, []string{"store"}),
		storeDirtied: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "observer_store_dirtied",
			Help: "Reservations overwritten before they were freed",
		}, []string{"store"}),
		snapshotsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_snapshots_written_total",
			Help: "Spectrogram images written",
		}, []string{"recorder"}),
		snapshotRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_snapshot_rows_total",
			Help: "Spectrum rows written to images",
		}, []string{"recorder"}),
		snapshotsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_snapshots_failed_total",
			Help: "Spectrogram images that could not be written",
		}, []string{"recorder"}),
		reservationDirty: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_snapshots_dirty_total",
			Help: "Snapshots whose rows were overwritten before the write finished",
		}, []string{"recorder"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "observer_recorder_queue_depth",
			Help: "Snapshots waiting for the recorder worker",
		}, []string{"recorder"}),
		bolidsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_bolids_detected_total",
			Help: "Meteor echoes detected",
		}, []string{"recorder"}),
		rtpPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "observer_rtp_packets_total",
			Help: "RTP packets accepted",
		}),
		rtpLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "observer_rtp_lost_packets_total",
			Help: "RTP packets missing from the sequence",
		}),
		goroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "observer_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "observer_memory_alloc_bytes",
			Help: "Currently allocated bytes",
		}),
		memoryHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "observer_memory_heap_bytes",
			Help: "Heap allocated bytes",
		}),
	}
	return pm
}

// Registry returns the registry the collectors are registered on
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	if pm == nil {
		return nil
	}
	return pm.registry
}

func (pm *PrometheusMetrics) RowProcessed(latency time.Duration) {
	if pm == nil {
		return
	}
	pm.rowsProcessed.Inc()
	pm.rowLatency.Observe(latency.Seconds())
}

func (pm *PrometheusMetrics) RowDropped() {
	if pm == nil {
		return
	}
	pm.rowsDropped.Inc()
}

func (pm *PrometheusMetrics) SnapshotWritten(recorder string, rows int) {
	if pm == nil {
		return
	}
	pm.snapshotsWritten.WithLabelValues(recorder).Inc()
	pm.snapshotRows.WithLabelValues(recorder).Add(float64(rows))
}

func (pm *PrometheusMetrics) SnapshotFailed(recorder string) {
	if pm == nil {
		return
	}
	pm.snapshotsFailed.WithLabelValues(recorder).Inc()
}

func (pm *PrometheusMetrics) ReservationDirty(recorder string) {
	if pm == nil {
		return
	}
	pm.reservationDirty.WithLabelValues(recorder).Inc()
}

func (pm *PrometheusMetrics) QueueDepth(recorder string, depth int) {
	if pm == nil {
		return
	}
	pm.queueDepth.WithLabelValues(recorder).Set(float64(depth))
}

func (pm *PrometheusMetrics) BolidDetected(recorder string) {
	if pm == nil {
		return
	}
	pm.bolidsDetected.WithLabelValues(recorder).Inc()
}

func (pm *PrometheusMetrics) RTPPacket() {
	if pm == nil {
		return
	}
	pm.rtpPackets.Inc()
}

func (pm *PrometheusMetrics) RTPGap(lostPackets int) {
	if pm == nil {
		return
	}
	pm.rtpLost.Add(float64(lostPackets))
}

// UpdateStoreMetrics copies the ring buffer state of a waterfall into gauges
func (pm *PrometheusMetrics) UpdateStoreMetrics(s pipeline.Stats) {
	if pm == nil {
		return
	}
	for name, st := range map[string]pipeline.StoreStats{"spectrum": s.Spectrum, "raw": s.Raw} {
		pm.storeCapacity.WithLabelValues(name).Set(float64(st.Capacity))
		pm.storeFill.WithLabelValues(name).Set(float64(st.Len))
		pm.storeBytes.WithLabelValues(name).Set(float64(st.Bytes))
		pm.storeReservations.WithLabelValues(name).Set(float64(st.Reservations))
		pm.storeDirtied.WithLabelValues(name).Set(float64(st.Dirtied))
	}
}

// updateResourceMetrics updates runtime resource metrics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))
}

// StartPolling refreshes the store and resource gauges until ctx is done
func (pm *PrometheusMetrics) StartPolling(ctx context.Context, w *pipeline.Waterfall, interval time.Duration) {
	if pm == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.UpdateStoreMetrics(w.Stats())
				pm.updateResourceMetrics()
				if DebugMode {
					log.Println("DEBUG: Updated store and resource metrics")
				}
			}
		}
	}()
}
