// Package worker implements the offline cache manager of one site version.
//
// A Worker owns three named cache buckets (staging, content, manifest store)
// and a fixed resource manifest. Its handlers mirror the service-worker
// lifecycle: Install pre-fetches the core shell into staging, Activate merges
// staging into content while pruning entries whose checksum changed since the
// previously installed manifest, Fetch serves manifest resources (online-first
// for the site root, cache-first otherwise) and Message handles the
// skipWaiting / downloadOffline control commands. The worker never changes its
// own lifecycle state; the lifecycle package drives it.
package worker
