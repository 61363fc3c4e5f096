package imu

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/lericson/oblam-deskew/internal/geom"
	"gonum.org/v1/gonum/num/quat"
)

// YawPitchRollDeg returns the Z-Y-X Euler angles of q in degrees.
func YawPitchRollDeg(q quat.Number) (yaw, pitch, roll float64) {
	y, p, r := geom.YawPitchRoll(q)
	return y * 180 / math.Pi, p * 180 / math.Pi, r * 180 / math.Pi
}

// WriteReport prints one line per trajectory sample: the offset from the first
// sample, yaw/pitch/roll in degrees, and position.
func (t *Trajectory) WriteReport(w io.Writer) error {
	if len(t.Samples) == 0 {
		return nil
	}
	start := t.Start()
	for i, s := range t.Samples {
		yaw, pitch, roll := YawPitchRollDeg(s.Orientation)
		_, err := fmt.Fprintf(w, "IMU prop %3d t=%+8.4fs ypr=(%8.3f, %8.3f, %8.3f) xyz=(%8.4f, %8.4f, %8.4f)\n",
			i, s.Timestamp.Sub(start).Seconds(), yaw, pitch, roll, s.Position.X, s.Position.Y, s.Position.Z)
		if err != nil {
			return err
		}
	}
	return nil
}

// Span returns End minus Start.
func (t *Trajectory) Span() time.Duration {
	if len(t.Samples) == 0 {
		return 0
	}
	return t.End().Sub(t.Start())
}
