// Package util provides small building blocks shared by the database engines.
//
// The package contains:
//   - functions: seed generation and FNV-1a hashing of serialized keys (used to pick key lock stripes)
//   - mapheap: a keyed min-heap, the node cache uses it to order eviction candidates by last touch
//   - lockfreempsc: a lock-free multi-producer single-consumer queue feeding requests to a background goroutine
//   - statistics: summary statistics and a lock-free SizeHistogram for GetInfo reports
//
// None of the types depend on a specific engine.
package util
