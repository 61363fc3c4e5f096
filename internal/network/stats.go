package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/wire"
)

// PacketStatsInterface receives per-datagram accounting from the listener and
// pcap replay.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddRecord(kind wire.Kind)
	AddMalformed()
	LogStats()
}

// noopStats is used when no stats collector is configured.
type noopStats struct{}

func (noopStats) AddPacket(int)       {}
func (noopStats) AddRecord(wire.Kind) {}
func (noopStats) AddMalformed()       {}
func (noopStats) LogStats()           {}

// PacketStats tracks datagram and record rates between log lines.
type PacketStats struct {
	mu        sync.Mutex
	packets   int64
	bytes     int64
	malformed int64
	records   map[wire.Kind]int64
	lastReset time.Time
	now       func() time.Time
}

// NewPacketStats returns an empty PacketStats.
func NewPacketStats() *PacketStats {
	return &PacketStats{records: make(map[wire.Kind]int64), lastReset: time.Now(), now: time.Now}
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.bytes += int64(bytes)
}

func (ps *PacketStats) AddRecord(kind wire.Kind) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.records[kind]++
}

func (ps *PacketStats) AddMalformed() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.malformed++
}

// StatsSnapshot is one reporting interval.
type StatsSnapshot struct {
	Packets   int64
	Bytes     int64
	Malformed int64
	Records   map[wire.Kind]int64
	Duration  time.Duration
}

// GetAndReset returns the counts since the previous call and clears them.
func (ps *PacketStats) GetAndReset() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := ps.now()
	s := StatsSnapshot{
		Packets:   ps.packets,
		Bytes:     ps.bytes,
		Malformed: ps.malformed,
		Records:   ps.records,
		Duration:  now.Sub(ps.lastReset),
	}
	ps.packets, ps.bytes, ps.malformed = 0, 0, 0
	ps.records = make(map[wire.Kind]int64)
	ps.lastReset = now
	return s
}

// LogStats logs per-second rates for the elapsed interval, if anything
// arrived.
func (ps *PacketStats) LogStats() {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.Malformed == 0 {
		return
	}
	sec := s.Duration.Seconds()
	msg := fmt.Sprintf("[Listener] stats (/sec): %s, %.1f packets, %.1f inertial, %.1f pose, %.1f chunks",
		humanize.Bytes(uint64(float64(s.Bytes)/sec)), float64(s.Packets)/sec,
		float64(s.Records[wire.KindInertial])/sec, float64(s.Records[wire.KindPose])/sec,
		float64(s.Records[wire.KindSweepChunk])/sec)
	if s.Malformed > 0 {
		msg += fmt.Sprintf(", %s malformed", humanize.Comma(s.Malformed))
	}
	monitoring.Logf("%s", msg)
}
