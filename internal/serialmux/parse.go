package serialmux

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lericson/oblam-deskew/internal/sensor"
	"gonum.org/v1/gonum/spatial/r3"
)

// imuLine is one JSON sample as printed by the IMU firmware. The timestamp
// is given either as integer nanoseconds (t_ns) or float seconds (t); t_ns
// wins when both are present.
type imuLine struct {
	T     *float64    `json:"t"`
	TNS   *int64      `json:"t_ns"`
	Gyro  *[3]float64 `json:"gyro"`
	Accel *[3]float64 `json:"accel"`
}

// ParseInertialLine decodes one IMU line into a sample. Gyro is in rad/s and
// accel in m/s².
func ParseInertialLine(line string) (sensor.InertialSample, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return sensor.InertialSample{}, fmt.Errorf("not a JSON sample: %.40q", line)
	}
	var l imuLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		return sensor.InertialSample{}, fmt.Errorf("failed to unmarshal IMU line: %w", err)
	}
	if l.Gyro == nil || l.Accel == nil {
		return sensor.InertialSample{}, fmt.Errorf("IMU line missing gyro or accel")
	}

	var ts time.Time
	switch {
	case l.TNS != nil:
		ts = time.Unix(0, *l.TNS).UTC()
	case l.T != nil:
		sec, frac := math.Modf(*l.T)
		ts = time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC()
	default:
		return sensor.InertialSample{}, fmt.Errorf("IMU line missing timestamp")
	}

	for _, v := range append(l.Gyro[:], l.Accel[:]...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return sensor.InertialSample{}, fmt.Errorf("IMU line has non-finite value")
		}
	}
	return sensor.InertialSample{
		Timestamp:          ts,
		AngularVelocity:    r3.Vec{X: l.Gyro[0], Y: l.Gyro[1], Z: l.Gyro[2]},
		LinearAcceleration: r3.Vec{X: l.Accel[0], Y: l.Accel[1], Z: l.Accel[2]},
	}, nil
}
