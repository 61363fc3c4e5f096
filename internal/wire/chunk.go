package wire

import (
	"fmt"

	"github.com/lericson/oblam-deskew/internal/sensor"
)

// Output topics.
const (
	TopicDeskewed  = "/imu_propagated_deskewed_cloud"
	TopicDistorted = "/distorted_cloud"
)

// MaxPointsPerChunk keeps an encoded chunk under a 64KiB datagram: each point
// encodes to at most 50 bytes.
const MaxPointsPerChunk = 1200

// MaxChunksPerSweep bounds the chunk count a receiver accepts. At
// MaxPointsPerChunk that is close to five million points per sweep.
const MaxChunksPerSweep = 4096

// SplitSweep cuts sw into chunks of at most perChunk points. An empty sweep
// yields one empty chunk so that it still reaches the receiver. perChunk <= 0
// uses MaxPointsPerChunk. Chunks share the sweep's point storage.
func SplitSweep(sw sensor.Sweep, perChunk int) []SweepChunk {
	if perChunk <= 0 {
		perChunk = MaxPointsPerChunk
	}
	count := (len(sw.Points) + perChunk - 1) / perChunk
	if count == 0 {
		count = 1
	}
	chunks := make([]SweepChunk, count)
	for i := range chunks {
		lo := i * perChunk
		hi := min(lo+perChunk, len(sw.Points))
		chunks[i] = SweepChunk{
			Sequence: sw.Sequence,
			Index:    i,
			Count:    count,
			Start:    sw.Start,
			FrameID:  sw.FrameID,
			Points:   sw.Points[lo:hi],
		}
	}
	return chunks
}

// JoinChunks reassembles a complete, index-ordered set of chunks.
func JoinChunks(chunks []SweepChunk) (sensor.Sweep, error) {
	if len(chunks) == 0 {
		return sensor.Sweep{}, fmt.Errorf("%w: no chunks", ErrMalformed)
	}
	first := chunks[0]
	if len(chunks) != first.Count {
		return sensor.Sweep{}, fmt.Errorf("%w: sweep %d has %d of %d chunks", ErrMalformed, first.Sequence, len(chunks), first.Count)
	}
	n := 0
	for i, c := range chunks {
		if c.Sequence != first.Sequence || c.Index != i || c.Count != first.Count || !c.Start.Equal(first.Start) {
			return sensor.Sweep{}, fmt.Errorf("%w: sweep %d chunk %d inconsistent", ErrMalformed, first.Sequence, i)
		}
		n += len(c.Points)
	}
	sw := sensor.Sweep{
		Sequence: first.Sequence,
		FrameID:  first.FrameID,
		Start:    first.Start,
		Points:   make([]sensor.PointSample, 0, n),
	}
	for _, c := range chunks {
		sw.Points = append(sw.Points, c.Points...)
	}
	return sw, nil
}
