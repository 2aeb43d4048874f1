package evohome

import (
	"encoding/json"
	"fmt"
)

// Switchpoint is one entry in a day's schedule: either a heat setpoint (for
// a heating zone) or a DHW on/off state, active from TimeOfDay.
type Switchpoint struct {
	TimeOfDay    string   `json:"timeOfDay"`
	HeatSetpoint *float64 `json:"heatSetpoint,omitempty"`
	DhwState     DhwState `json:"dhwState,omitempty"`
}

// DaySchedule is one day's list of switchpoints.
type DaySchedule struct {
	DayOfWeek    string        `json:"dayOfWeek"`
	Switchpoints []Switchpoint `json:"switchpoints"`
}

// Schedule is a full week's worth of switchpoints, in the shape returned by
// a GET and accepted by a PUT, before/after wire-format conversion.
type Schedule struct {
	DailySchedules []DaySchedule `json:"dailySchedules"`
}

// weekdayOrder is Monday-first, matching the vendor's enumeration order:
// the GET response's DailySchedules array is indexed 0=Monday..6=Sunday,
// and that index (not any day name) is what the PUT body expects back.
var weekdayOrder = []string{
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
}

func dayIndex(name string) (int, error) {
	for i, d := range weekdayOrder {
		if d == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("evohome: unknown day of week %q", name)
}

// getSwitchpoint is the wire shape of a switchpoint inside a GET response:
// camelCase throughout, including heatSetpoint.
type getSwitchpoint struct {
	TimeOfDay    string   `json:"timeOfDay"`
	HeatSetpoint *float64 `json:"heatSetpoint,omitempty"`
	DhwState     DhwState `json:"dhwState,omitempty"`
}

type getDaySchedule struct {
	DayOfWeek    string           `json:"dayOfWeek"`
	Switchpoints []getSwitchpoint `json:"switchpoints"`
}

type getSchedule struct {
	DailySchedules []getDaySchedule `json:"dailySchedules"`
}

// putSwitchpoint is the wire shape of a switchpoint inside a PUT body.
// Every key is PascalCase except heatSetpoint, which the vendor API leaves
// lower-case — an anachronism inherited from an earlier client library
// that this API has never cleaned up.
type putSwitchpoint struct {
	TimeOfDay    string   `json:"TimeOfDay"`
	HeatSetpoint *float64 `json:"heatSetpoint,omitempty"`
	DhwState     DhwState `json:"DhwState,omitempty"`
}

type putDaySchedule struct {
	DayOfWeek    int              `json:"DayOfWeek"`
	Switchpoints []putSwitchpoint `json:"Switchpoints"`
}

type putSchedule struct {
	DailySchedules []putDaySchedule `json:"DailySchedules"`
}

// DecodeScheduleGET parses a schedule GET response body into a Schedule.
func DecodeScheduleGET(body []byte) (*Schedule, error) {
	var wire getSchedule
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ScheduleError{Reason: "decoding GET response", Err: err}
	}
	sched := &Schedule{DailySchedules: make([]DaySchedule, 0, len(wire.DailySchedules))}
	for _, d := range wire.DailySchedules {
		day := DaySchedule{DayOfWeek: d.DayOfWeek, Switchpoints: make([]Switchpoint, 0, len(d.Switchpoints))}
		for _, sp := range d.Switchpoints {
			day.Switchpoints = append(day.Switchpoints, Switchpoint{
				TimeOfDay:    sp.TimeOfDay,
				HeatSetpoint: sp.HeatSetpoint,
				DhwState:     sp.DhwState,
			})
		}
		sched.DailySchedules = append(sched.DailySchedules, day)
	}
	return sched, nil
}

// EncodeSchedulePUT renders a Schedule into the body shape the vendor's
// schedule PUT endpoint expects: PascalCase keys and an integer
// Monday=0..Sunday=6 day index in place of the GET form's day name.
func EncodeSchedulePUT(sched *Schedule) ([]byte, error) {
	wire := putSchedule{DailySchedules: make([]putDaySchedule, 0, len(sched.DailySchedules))}
	for _, d := range sched.DailySchedules {
		idx, err := dayIndex(d.DayOfWeek)
		if err != nil {
			return nil, &ScheduleError{Reason: "encoding PUT body", Err: err}
		}
		day := putDaySchedule{DayOfWeek: idx, Switchpoints: make([]putSwitchpoint, 0, len(d.Switchpoints))}
		for _, sp := range d.Switchpoints {
			day.Switchpoints = append(day.Switchpoints, putSwitchpoint{
				TimeOfDay:    sp.TimeOfDay,
				HeatSetpoint: sp.HeatSetpoint,
				DhwState:     sp.DhwState,
			})
		}
		wire.DailySchedules = append(wire.DailySchedules, day)
	}
	return json.Marshal(wire)
}

// DecodePUTBody is the inverse of EncodeSchedulePUT, used by test doubles
// and by schedule restore to round-trip a previously backed-up schedule.
func DecodePUTBody(body []byte) (*Schedule, error) {
	var wire putSchedule
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ScheduleError{Reason: "decoding PUT body", Err: err}
	}
	sched := &Schedule{DailySchedules: make([]DaySchedule, 0, len(wire.DailySchedules))}
	for _, d := range wire.DailySchedules {
		if d.DayOfWeek < 0 || d.DayOfWeek >= len(weekdayOrder) {
			return nil, &ScheduleError{Reason: fmt.Sprintf("day index %d out of range", d.DayOfWeek)}
		}
		day := DaySchedule{DayOfWeek: weekdayOrder[d.DayOfWeek], Switchpoints: make([]Switchpoint, 0, len(d.Switchpoints))}
		for _, sp := range d.Switchpoints {
			day.Switchpoints = append(day.Switchpoints, Switchpoint{
				TimeOfDay:    sp.TimeOfDay,
				HeatSetpoint: sp.HeatSetpoint,
				DhwState:     sp.DhwState,
			})
		}
		sched.DailySchedules = append(sched.DailySchedules, day)
	}
	return sched, nil
}
