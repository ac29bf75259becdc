package telemetry

import (
	"math"
	"math/rand/v2"
	"strconv"
	"time"
)

// Payload is the nested message published by a machine edge agent.
type Payload struct {
	Ts           string    `json:"ts"`
	MachineID    string    `json:"machine_id"`
	SpindleRPM   int       `json:"spindle_rpm"`
	FeedRate     int       `json:"feed_rate"`
	AxisXPos     float64   `json:"axis_x_pos"`
	AxisYPos     float64   `json:"axis_y_pos"`
	AxisZPos     float64   `json:"axis_z_pos"`
	SpindlePower float64   `json:"spindle_power"`
	Vibration    Vibration `json:"vibration"`
}

// Vibration holds the three accelerometer axes in g.
type Vibration struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PayloadColumns is the header of the collector CSV.
var PayloadColumns = []string{
	"timestamp", "machine_id", "spindle_rpm", "feed_rate",
	"axis_x_pos", "axis_y_pos", "axis_z_pos", "spindle_power",
	"vib_x", "vib_y", "vib_z",
}

var feedRates = []int{500, 800, 1200}

// RandomPayload produces one edge reading with the publisher's value ranges.
func RandomPayload(rng *rand.Rand, machineID string, now time.Time) Payload {
	return Payload{
		Ts:           now.UTC().Format(TimestampLayout),
		MachineID:    machineID,
		SpindleRPM:   1000 + rng.IntN(6001),
		FeedRate:     feedRates[rng.IntN(len(feedRates))],
		AxisXPos:     Round(rng.Float64()*200, 3),
		AxisYPos:     Round(rng.Float64()*200, 3),
		AxisZPos:     Round(-rng.Float64()*20, 3),
		SpindlePower: Round(100+rng.Float64()*700, 1),
		Vibration: Vibration{
			X: Round(0.05+rng.Float64()*0.95, 4),
			Y: Round(0.05+rng.Float64()*0.95, 4),
			Z: Round(0.05+rng.Float64()*0.95, 4),
		},
	}
}

// Flatten renders the payload as a collector CSV row in PayloadColumns order.
func (p Payload) Flatten() []string {
	return []string{
		p.Ts,
		p.MachineID,
		strconv.Itoa(p.SpindleRPM),
		strconv.Itoa(p.FeedRate),
		formatFloat(p.AxisXPos),
		formatFloat(p.AxisYPos),
		formatFloat(p.AxisZPos),
		formatFloat(p.SpindlePower),
		formatFloat(p.Vibration.X),
		formatFloat(p.Vibration.Y),
		formatFloat(p.Vibration.Z),
	}
}

// Time parses the payload timestamp; zero time when malformed.
func (p Payload) Time() time.Time {
	t, err := time.Parse(time.RFC3339, p.Ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Round rounds v to the given number of decimals, half away from zero.
func Round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
