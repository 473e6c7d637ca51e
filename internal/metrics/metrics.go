// Package metrics exposes the prometheus collectors for the sync daemon.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AssetsUpserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_assets_upserted_total",
		Help: "Total number of asset records upserted from delta pages",
	})

	EntriesUpserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_entries_upserted_total",
		Help: "Total number of entry records upserted from delta pages",
	})

	EntriesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_entries_skipped_total",
		Help: "Total number of entries skipped because their content type is not in the model",
	})

	AssetDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_asset_deletes_total",
		Help: "Total number of asset delete events applied",
	})

	EntryDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_entry_deletes_total",
		Help: "Total number of entry delete events applied",
	})

	LinksResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_links_resolved_total",
		Help: "Total number of relationship fields resolved",
	})

	LinksDangling = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_links_dangling_total",
		Help: "Total number of relationship targets missing at resolution time",
	})

	PagesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_pages_applied_total",
		Help: "Total number of delta pages applied",
	})

	ItemsIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_items_ignored_total",
		Help: "Total number of delta items with an unknown kind",
	})

	SyncCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_sync_cycles_total",
		Help: "Total number of completed sync cycles",
	})

	SyncFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spacesync_sync_failures_total",
		Help: "Total number of failed sync cycles",
	})

	ResolutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spacesync_resolution_duration_seconds",
		Help:    "Time taken by a relationship resolution pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})
)

func init() {
	prometheus.MustRegister(
		AssetsUpserted,
		EntriesUpserted,
		EntriesSkipped,
		AssetDeletes,
		EntryDeletes,
		LinksResolved,
		LinksDangling,
		PagesApplied,
		ItemsIgnored,
		SyncCycles,
		SyncFailures,
		ResolutionDuration,
	)
}
