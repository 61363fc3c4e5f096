// Package ingest owns the three input queues (inertial, pose, raw sweep) and
// the matcher that pairs each sweep with the pose preceding its start.
//
// Producers append from their own goroutines. Each queue has its own lock and
// holds it only for the slice mutation, never during computation. The worker
// is the only consumer of matched pairs.
package ingest
