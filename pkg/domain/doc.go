// Package domain contains the core domain entities and types used by the
// dispatcher. These types represent the business concepts (crawl tasks,
// results, memory states) and are intentionally free of infrastructure
// concerns so they can be shared across packages.
package domain
