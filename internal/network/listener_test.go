package network

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lericson/oblam-deskew/internal/frames"
	"github.com/lericson/oblam-deskew/internal/ingest"
	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/sensor"
	"github.com/lericson/oblam-deskew/internal/sim"
	"github.com/lericson/oblam-deskew/internal/wire"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockIngest struct {
	mu       sync.Mutex
	inertial []sensor.InertialSample
	poses    []sensor.PoseSample
	err      error
}

func (m *mockIngest) AddInertial(s sensor.InertialSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inertial = append(m.inertial, s)
	return m.err
}

func (m *mockIngest) AddPose(p sensor.PoseSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poses = append(m.poses, p)
	return m.err
}

func (m *mockIngest) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inertial) + len(m.poses)
}

type mockChunks struct {
	chunks []wire.SweepChunk
}

func (m *mockChunks) AddChunk(c wire.SweepChunk) error {
	m.chunks = append(m.chunks, c)
	return nil
}

type mockStats struct {
	packets, malformed int
	records            map[wire.Kind]int
}

func (m *mockStats) AddPacket(int) { m.packets++ }
func (m *mockStats) AddRecord(k wire.Kind) {
	if m.records == nil {
		m.records = map[wire.Kind]int{}
	}
	m.records[k]++
}
func (m *mockStats) AddMalformed() { m.malformed++ }
func (m *mockStats) LogStats()     {}

func TestNewListener_Defaults(t *testing.T) {
	l := NewListener(ListenerConfig{Address: ":0"})
	require.NotNil(t, l)
	assert.Equal(t, time.Minute, l.logInterval)
	assert.NotNil(t, l.stats)
	assert.NoError(t, l.HandlePacket(wire.EncodePose(sensor.PoseSample{Timestamp: time.Unix(1, 0)})))
}

func TestListener_HandlePacketDispatch(t *testing.T) {
	in, ch, st := &mockIngest{}, &mockChunks{}, &mockStats{}
	r := gometrics.NewRegistry()
	l := NewListener(ListenerConfig{Ingest: in, Chunks: ch, Stats: st, Registry: r})

	ts := time.Unix(1700000000, 0).UTC()
	require.NoError(t, l.HandlePacket(wire.EncodeInertial(sensor.InertialSample{Timestamp: ts})))
	require.NoError(t, l.HandlePacket(wire.EncodePose(sensor.PoseSample{Timestamp: ts})))
	require.NoError(t, l.HandlePacket(wire.EncodeSweepChunk(wire.SweepChunk{Sequence: 4, Count: 1, Start: ts})))

	err := l.HandlePacket([]byte{0xff, 0xff})
	assert.True(t, errors.Is(err, wire.ErrMalformed))

	err = l.HandlePacket(wire.EncodeOutputChunk(wire.OutputChunk{Topic: wire.TopicDeskewed, Chunk: wire.SweepChunk{Count: 1}}))
	assert.ErrorContains(t, err, "unexpected output_chunk")

	require.Len(t, in.inertial, 1)
	assert.True(t, in.inertial[0].Timestamp.Equal(ts))
	require.Len(t, in.poses, 1)
	require.Len(t, ch.chunks, 1)
	assert.Equal(t, uint64(4), ch.chunks[0].Sequence)

	assert.Equal(t, 5, st.packets)
	assert.Equal(t, 1, st.malformed)
	assert.Equal(t, 1, st.records[wire.KindSweepChunk])
	assert.Equal(t, int64(1), monitoring.Counter(r, monitoring.MetricWireMalformed).Count())
}

func TestListener_OversizedChunkCountIsMalformed(t *testing.T) {
	r := gometrics.NewRegistry()
	asm := frames.NewAssembler(frames.AssemblerConfig{SweepCallback: func(sensor.Sweep) {}, Registry: r})
	defer asm.Close()
	l := NewListener(ListenerConfig{Chunks: asm, Registry: r})

	err := l.HandlePacket(wire.EncodeSweepChunk(wire.SweepChunk{Sequence: 1, Index: 0, Count: 1 << 40}))
	assert.True(t, errors.Is(err, wire.ErrMalformed))
	assert.Zero(t, asm.Pending())
	assert.Equal(t, int64(1), monitoring.Counter(r, monitoring.MetricWireMalformed).Count())
}

func TestListener_IngestErrorReturned(t *testing.T) {
	in := &mockIngest{err: sensor.ErrOrderingViolation}
	l := NewListener(ListenerConfig{Ingest: in})
	err := l.HandlePacket(wire.EncodeInertial(sensor.InertialSample{Timestamp: time.Unix(5, 0)}))
	assert.True(t, errors.Is(err, sensor.ErrOrderingViolation))
}

func TestListener_ServeUntilCancelled(t *testing.T) {
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	defer func() { monitoring.Logf = orig }()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	in := &mockIngest{}
	l := NewListener(ListenerConfig{Ingest: in})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, conn) }()

	sender, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()
	for i := 0; i < 5; i++ {
		_, err := sender.Write(wire.EncodeInertial(sensor.InertialSample{Timestamp: time.Unix(int64(i), 0)}))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return in.count() == 5 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// Records sent through the listener end up in the ingest buffers, with
// sweeps reassembled on the way.
func TestListener_FeedsBuffersAndAssembler(t *testing.T) {
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	defer func() { monitoring.Logf = orig }()

	r := gometrics.NewRegistry()
	buffers := ingest.NewBuffers(ingest.Config{Registry: r})
	var mu sync.Mutex
	asm := frames.NewAssembler(frames.AssemblerConfig{
		Registry: r,
		SweepCallback: func(sw sensor.Sweep) {
			mu.Lock()
			defer mu.Unlock()
			buffers.AddSweep(sw)
		},
	})
	l := NewListener(ListenerConfig{Ingest: lockedIngest{&mu, buffers}, Chunks: asm, Registry: r})

	s := sim.Scenario{YawRate: 0.5, PointsPerSweep: 3000}.WithDefaults()
	for _, e := range s.Events(350 * time.Millisecond) {
		switch {
		case e.Inertial != nil:
			require.NoError(t, l.HandlePacket(wire.EncodeInertial(*e.Inertial)))
		case e.Pose != nil:
			require.NoError(t, l.HandlePacket(wire.EncodePose(*e.Pose)))
		case e.Sweep != nil:
			for _, c := range wire.SplitSweep(*e.Sweep, 0) {
				require.NoError(t, l.HandlePacket(wire.EncodeSweepChunk(c)))
			}
		}
	}
	asm.Close()

	mu.Lock()
	defer mu.Unlock()
	lengths := buffers.Lengths()
	assert.Equal(t, 71, lengths.Inertial)
	assert.Equal(t, int64(3), monitoring.Counter(r, monitoring.MetricSweepsIngested).Count())
	assert.Equal(t, int64(3), monitoring.Counter(r, monitoring.MetricAssemblyCompleted).Count())
	assert.Zero(t, monitoring.Counter(r, monitoring.MetricWireMalformed).Count())
}

type lockedIngest struct {
	mu *sync.Mutex
	b  *ingest.Buffers
}

func (l lockedIngest) AddInertial(s sensor.InertialSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.AddInertial(s)
}

func (l lockedIngest) AddPose(p sensor.PoseSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.AddPose(p)
}

func TestPacketStats_LogStats(t *testing.T) {
	var lines []string
	orig := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, v[0].(string))
	})
	defer func() { monitoring.Logf = orig }()

	ps := NewPacketStats()
	base := time.Unix(0, 0)
	ps.lastReset = base
	ps.now = func() time.Time { return base.Add(2 * time.Second) }

	ps.LogStats()
	assert.Empty(t, lines)

	ps.lastReset = base
	for i := 0; i < 400; i++ {
		ps.AddPacket(100)
		ps.AddRecord(wire.KindInertial)
	}
	ps.AddMalformed()
	ps.LogStats()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "[Listener] stats (/sec): 20 kB, 200.0 packets, 200.0 inertial"), lines[0])
	assert.Contains(t, lines[0], "1 malformed")

	snap := ps.GetAndReset()
	assert.Zero(t, snap.Packets)
}
