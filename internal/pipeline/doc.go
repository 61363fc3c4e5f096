// Package pipeline is the composition root for the deskew flow. A single
// Worker polls the ingest buffers for matched sweep/pose pairs and drives
// each one through window extraction, propagation and deskewing before
// handing the result to a Sink.
//
// The pipeline owns no math; it sequences the imu and deskew packages and
// decides what to do with each per-sweep failure.
package pipeline
