// Package cmd defines and implements the CLI commands for the sitewatch executable.
//
// Architecture overview:
//   - Scheduler: every tick it lists sites whose next due time has passed and submits them to the worker
//     pool in due order. Sites already being checked are skipped; a full queue ends the tick early.
//   - Worker pool: a fixed number of goroutines take a snapshot of each submitted site (HTTP probe via
//     Colly, DNS via miekg/dns, optional Chromedp screenshot), compare it with the stored snapshot and
//     commit the result through the site store's per-site upsert. A site is never checked twice at once.
//   - Alerts: changes become alerts that the dispatcher delivers per site in order, retrying transient
//     failures with exponential backoff. Webhook, Pub/Sub and log targets are fanned out together.
//   - Persistence: the site store is in memory with optional write-through to Postgres or SQLite;
//     screenshots go to memory, local disk or GCS.
//   - Observability: zap logs carry site IDs and URLs; Prometheus counters and histograms are served on
//     /metrics; the progress hub batches check and alert lifecycle events for its sinks.
//
// Quick checklist:
//   - Configure with a file passed via --config and SITEWATCH_* environment overrides, for example
//     SITEWATCH_WORKER_CONCURRENCY or SITEWATCH_NOTIFY_WEBHOOK_URL.
//   - Run the service: sitewatch serve --config config.yaml
//   - Manage sites: sitewatch sites add https://example.com --interval 15
package cmd
