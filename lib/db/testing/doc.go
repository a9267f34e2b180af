// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.OrderedKV interface.
//
// The package contains:
//   - testing: A conformance suite for the OrderedKV contract, including
//     ordered enumeration and concurrent use
//   - benchmark: Performance tests for measuring throughput of common database operations
//
// Tests skip themselves when the database does not report the feature they
// need through SupportsFeature.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.OrderedKV[string, []byte] {
//		return NewMyDatabase()
//	}
//
//	// Running the standard test suite
//	dbtesting.RunOrderedKVTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunOrderedKVBenchmarks(b, "MyDatabase", factory)
package testing
