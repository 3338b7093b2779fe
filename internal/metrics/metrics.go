package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
    DownloadEvents = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "fetchd",
            Name:      "download_events_total",
            Help:      "Count of task lifecycle events processed by the registry.",
        },
        []string{"type"},
    )

    BytesDownloaded = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "fetchd",
            Name:      "downloaded_bytes_total",
            Help:      "Bytes received by transports.",
        },
    )

    DownloadDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "fetchd",
            Name:      "download_duration_seconds",
            Help:      "Time from admission to terminal outcome.",
        },
        []string{"outcome"},
    )

    RunningDownloads = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "fetchd",
            Name:      "running_downloads",
            Help:      "Number of downloads occupying a concurrency slot.",
        },
    )

    QueuedDownloads = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "fetchd",
            Name:      "queued_downloads",
            Help:      "Number of downloads waiting for a concurrency slot.",
        },
    )
)

// Register registers the fetchd metrics into the default registry.
func Register() {
    prometheus.MustRegister(DownloadEvents, BytesDownloaded, DownloadDuration, RunningDownloads, QueuedDownloads)
}
