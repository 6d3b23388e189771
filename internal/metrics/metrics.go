package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	FramesIngested     atomic.Int64
	IngestMalformed    atomic.Int64
	IngestInvalid      atomic.Int64
	IngestStorageFails atomic.Int64
	SensorsSkipped     atomic.Int64
	AlertsOpened       atomic.Int64
	AlertsEscalated    atomic.Int64
	AlertsResolved     atomic.Int64
	EventsPublished    atomic.Int64
	EventsDropped      atomic.Int64
	SubscribersEvicted atomic.Int64
	ActiveSubscribers  atomic.Int64
	RelayFailures      atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "coldchain_frames_ingested_total %d\n", FramesIngested.Load())
	fmt.Fprintf(w, "coldchain_ingest_failures_total{class=\"malformed\"} %d\n", IngestMalformed.Load())
	fmt.Fprintf(w, "coldchain_ingest_failures_total{class=\"validation\"} %d\n", IngestInvalid.Load())
	fmt.Fprintf(w, "coldchain_ingest_failures_total{class=\"storage\"} %d\n", IngestStorageFails.Load())
	fmt.Fprintf(w, "coldchain_sensors_skipped_total %d\n", SensorsSkipped.Load())
	fmt.Fprintf(w, "coldchain_alerts_opened_total %d\n", AlertsOpened.Load())
	fmt.Fprintf(w, "coldchain_alerts_escalated_total %d\n", AlertsEscalated.Load())
	fmt.Fprintf(w, "coldchain_alerts_resolved_total %d\n", AlertsResolved.Load())
	fmt.Fprintf(w, "coldchain_stream_events_published_total %d\n", EventsPublished.Load())
	fmt.Fprintf(w, "coldchain_stream_events_dropped_total %d\n", EventsDropped.Load())
	fmt.Fprintf(w, "coldchain_stream_subscribers_evicted_total %d\n", SubscribersEvicted.Load())
	fmt.Fprintf(w, "coldchain_stream_subscribers %d\n", ActiveSubscribers.Load())
	fmt.Fprintf(w, "coldchain_relay_failures_total %d\n", RelayFailures.Load())
}
