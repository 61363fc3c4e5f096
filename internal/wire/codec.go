// Package wire encodes the pipeline's input and output records as protobuf
// wire-format envelopes. One envelope fits in one datagram; sweeps are split
// into chunks with SplitSweep.
//
// Envelope fields:
//
//	1 inertial      InertialSample
//	2 pose          PoseSample
//	3 sweep_chunk   SweepChunk
//	4 output_chunk  OutputChunk
//
// Timestamps are sint64 nanoseconds since the Unix epoch; doubles are
// fixed64. Unknown fields are skipped on decode.
package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lericson/oblam-deskew/internal/sensor"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for envelopes that cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

var errWireType = errors.New("unexpected wire type")

// Kind identifies the record carried by an envelope.
type Kind int

const (
	KindUnknown Kind = iota
	KindInertial
	KindPose
	KindSweepChunk
	KindOutputChunk
)

func (k Kind) String() string {
	switch k {
	case KindInertial:
		return "inertial"
	case KindPose:
		return "pose"
	case KindSweepChunk:
		return "sweep_chunk"
	case KindOutputChunk:
		return "output_chunk"
	}
	return "unknown"
}

const (
	fieldInertial    protowire.Number = 1
	fieldPose        protowire.Number = 2
	fieldSweepChunk  protowire.Number = 3
	fieldOutputChunk protowire.Number = 4
)

// SweepChunk is a contiguous run of points from one sweep. Index counts from
// zero; Count is the number of chunks in the sweep.
type SweepChunk struct {
	Sequence uint64
	Index    int
	Count    int
	Start    time.Time
	FrameID  string
	Points   []sensor.PointSample
}

// OutputChunk is a chunk of a published sweep tagged with its topic.
type OutputChunk struct {
	Topic string
	Chunk SweepChunk
}

// Message is a decoded envelope. Exactly one of the record fields is set,
// matching Kind.
type Message struct {
	Kind     Kind
	Inertial *sensor.InertialSample
	Pose     *sensor.PoseSample
	Chunk    *SweepChunk
	Output   *OutputChunk
}

// EncodeInertial returns the envelope for an inertial sample.
func EncodeInertial(s sensor.InertialSample) []byte {
	var m []byte
	m = appendTime(m, 1, s.Timestamp)
	m = appendVec(m, 2, s.AngularVelocity)
	m = appendVec(m, 3, s.LinearAcceleration)
	return appendMessage(nil, fieldInertial, m)
}

// EncodePose returns the envelope for a pose sample.
func EncodePose(p sensor.PoseSample) []byte {
	var m []byte
	m = appendTime(m, 1, p.Timestamp)
	m = appendQuat(m, 2, p.Orientation)
	m = appendVec(m, 3, p.Position)
	m = appendVec(m, 4, p.LinearVelocity)
	return appendMessage(nil, fieldPose, m)
}

// EncodeSweepChunk returns the envelope for an input sweep chunk.
func EncodeSweepChunk(c SweepChunk) []byte {
	return appendMessage(nil, fieldSweepChunk, appendChunk(nil, c))
}

// EncodeOutputChunk returns the envelope for a published sweep chunk.
func EncodeOutputChunk(c OutputChunk) []byte {
	var m []byte
	m = protowire.AppendTag(m, 1, protowire.BytesType)
	m = protowire.AppendString(m, c.Topic)
	m = appendMessage(m, 2, appendChunk(nil, c.Chunk))
	return appendMessage(nil, fieldOutputChunk, m)
}

func appendChunk(b []byte, c SweepChunk) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Sequence)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Index))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Count))
	b = appendTime(b, 4, c.Start)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, c.FrameID)
	var p []byte
	for _, pt := range c.Points {
		p = p[:0]
		p = protowire.AppendTag(p, 1, protowire.VarintType)
		p = protowire.AppendVarint(p, protowire.EncodeZigZag(int64(pt.RelativeTime)))
		p = appendDouble(p, 2, pt.Position.X)
		p = appendDouble(p, 3, pt.Position.Y)
		p = appendDouble(p, 4, pt.Position.Z)
		p = protowire.AppendTag(p, 5, protowire.Fixed32Type)
		p = protowire.AppendFixed32(p, math.Float32bits(pt.Intensity))
		p = protowire.AppendTag(p, 6, protowire.VarintType)
		p = protowire.AppendVarint(p, uint64(pt.Reflectivity))
		b = appendMessage(b, 6, p)
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVec(b []byte, num protowire.Number, v r3.Vec) []byte {
	var m []byte
	m = appendDouble(m, 1, v.X)
	m = appendDouble(m, 2, v.Y)
	m = appendDouble(m, 3, v.Z)
	return appendMessage(b, num, m)
}

func appendQuat(b []byte, num protowire.Number, q quat.Number) []byte {
	var m []byte
	m = appendDouble(m, 1, q.Real)
	m = appendDouble(m, 2, q.Imag)
	m = appendDouble(m, 3, q.Jmag)
	m = appendDouble(m, 4, q.Kmag)
	return appendMessage(b, num, m)
}

// Decode parses one envelope.
func Decode(b []byte) (Message, error) {
	var msg Message
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldInertial, fieldPose, fieldSweepChunk, fieldOutputChunk:
		default:
			return 0, nil
		}
		if msg.Kind != KindUnknown {
			return 0, errors.New("more than one record")
		}
		m, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		switch num {
		case fieldInertial:
			msg.Kind = KindInertial
			msg.Inertial = new(sensor.InertialSample)
			err = decodeInertial(m, msg.Inertial)
		case fieldPose:
			msg.Kind = KindPose
			msg.Pose = new(sensor.PoseSample)
			err = decodePose(m, msg.Pose)
		case fieldSweepChunk:
			msg.Kind = KindSweepChunk
			msg.Chunk = new(SweepChunk)
			err = decodeChunk(m, msg.Chunk)
		case fieldOutputChunk:
			msg.Kind = KindOutputChunk
			msg.Output = new(OutputChunk)
			err = decodeOutput(m, msg.Output)
		}
		return n, err
	})
	if err != nil {
		return Message{}, err
	}
	if msg.Kind == KindUnknown {
		return Message{}, fmt.Errorf("%w: no record", ErrMalformed)
	}
	return msg, nil
}

func decodeInertial(b []byte, s *sensor.InertialSample) error {
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			s.Timestamp, n, err = consumeTime(typ, b)
		case 2:
			s.AngularVelocity, n, err = consumeVec(typ, b)
		case 3:
			s.LinearAcceleration, n, err = consumeVec(typ, b)
		}
		return n, err
	})
}

func decodePose(b []byte, p *sensor.PoseSample) error {
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			p.Timestamp, n, err = consumeTime(typ, b)
		case 2:
			p.Orientation, n, err = consumeQuat(typ, b)
		case 3:
			p.Position, n, err = consumeVec(typ, b)
		case 4:
			p.LinearVelocity, n, err = consumeVec(typ, b)
		}
		return n, err
	})
}

func decodeOutput(b []byte, o *OutputChunk) error {
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			o.Topic = string(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, decodeChunk(v, &o.Chunk)
		}
		return 0, nil
	})
}

func decodeChunk(b []byte, c *SweepChunk) error {
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		switch num {
		case 1:
			c.Sequence, n, err = consumeVarint(typ, b)
		case 2:
			if v, n, err = consumeVarint(typ, b); err == nil && v >= MaxChunksPerSweep {
				err = fmt.Errorf("%w: chunk index %d", ErrMalformed, v)
			}
			c.Index = int(v)
		case 3:
			if v, n, err = consumeVarint(typ, b); err == nil && v > MaxChunksPerSweep {
				err = fmt.Errorf("%w: chunk count %d exceeds %d", ErrMalformed, v, MaxChunksPerSweep)
			}
			c.Count = int(v)
		case 4:
			c.Start, n, err = consumeTime(typ, b)
		case 5:
			var s []byte
			s, n, err = consumeBytes(typ, b)
			c.FrameID = string(s)
		case 6:
			var m []byte
			if m, n, err = consumeBytes(typ, b); err != nil {
				return 0, err
			}
			var pt sensor.PointSample
			if err := decodePoint(m, &pt); err != nil {
				return 0, err
			}
			c.Points = append(c.Points, pt)
		}
		return n, err
	})
	if err != nil {
		return err
	}
	if c.Count < 1 || c.Index >= c.Count {
		return fmt.Errorf("%w: chunk %d of %d", ErrMalformed, c.Index, c.Count)
	}
	return nil
}

func decodePoint(b []byte, p *sensor.PointSample) error {
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		switch num {
		case 1:
			v, n, err = consumeVarint(typ, b)
			p.RelativeTime = time.Duration(protowire.DecodeZigZag(v))
		case 2:
			p.Position.X, n, err = consumeDouble(typ, b)
		case 3:
			p.Position.Y, n, err = consumeDouble(typ, b)
		case 4:
			p.Position.Z, n, err = consumeDouble(typ, b)
		case 5:
			if typ != protowire.Fixed32Type {
				return 0, errWireType
			}
			var f uint32
			if f, n = protowire.ConsumeFixed32(b); n < 0 {
				return 0, protowire.ParseError(n)
			}
			p.Intensity = math.Float32frombits(f)
		case 6:
			v, n, err = consumeVarint(typ, b)
			p.Reflectivity = uint16(v)
		}
		return n, err
	})
}

// parseFields walks the fields of b. fn returns the bytes it consumed after
// the tag, or zero to have the field skipped.
func parseFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				return err
			}
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeTime(typ protowire.Type, b []byte) (time.Time, int, error) {
	v, n, err := consumeVarint(typ, b)
	if err != nil {
		return time.Time{}, 0, err
	}
	return time.Unix(0, protowire.DecodeZigZag(v)).UTC(), n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, errWireType
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeVec(typ protowire.Type, b []byte) (r3.Vec, int, error) {
	m, n, err := consumeBytes(typ, b)
	if err != nil {
		return r3.Vec{}, 0, err
	}
	var v r3.Vec
	err = parseFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (k int, err error) {
		switch num {
		case 1:
			v.X, k, err = consumeDouble(typ, b)
		case 2:
			v.Y, k, err = consumeDouble(typ, b)
		case 3:
			v.Z, k, err = consumeDouble(typ, b)
		}
		return k, err
	})
	return v, n, err
}

func consumeQuat(typ protowire.Type, b []byte) (quat.Number, int, error) {
	m, n, err := consumeBytes(typ, b)
	if err != nil {
		return quat.Number{}, 0, err
	}
	var q quat.Number
	err = parseFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (k int, err error) {
		switch num {
		case 1:
			q.Real, k, err = consumeDouble(typ, b)
		case 2:
			q.Imag, k, err = consumeDouble(typ, b)
		case 3:
			q.Jmag, k, err = consumeDouble(typ, b)
		case 4:
			q.Kmag, k, err = consumeDouble(typ, b)
		}
		return k, err
	})
	return q, n, err
}
