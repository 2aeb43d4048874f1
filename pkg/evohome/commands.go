package evohome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evohome-go/evohome/pkg/resilience/xretry"
)

// wireTimeLayout is the vendor's PUT/GET timestamp format: UTC, no
// fractional seconds.
const wireTimeLayout = "2006-01-02T15:04:05Z"

// --- system mode --------------------------------------------------------

type systemModePermanentBody struct {
	SystemMode string `json:"systemMode"`
	Permanent  bool   `json:"permanent"`
}

type systemModeTemporaryBody struct {
	SystemMode string `json:"systemMode"`
	Permanent  bool   `json:"permanent"`
	TimeUntil  string `json:"timeUntil"`
}

// SetSystemMode puts the control system into a permanent mode.
func (c *Client) SetSystemMode(ctx context.Context, cs *ControlSystem, mode string) error {
	body := systemModePermanentBody{SystemMode: mode, Permanent: true}
	return c.requester.Put(ctx, "/WebAPI/emea/api/v1/temperatureControlSystem/"+cs.SystemID+"/mode", body, nil)
}

// SetSystemModeUntil puts the control system into a mode that reverts to
// its schedule at until.
func (c *Client) SetSystemModeUntil(ctx context.Context, cs *ControlSystem, mode string, until time.Time) error {
	body := systemModeTemporaryBody{
		SystemMode: mode,
		Permanent:  false,
		TimeUntil:  until.UTC().Format(wireTimeLayout),
	}
	return c.requester.Put(ctx, "/WebAPI/emea/api/v1/temperatureControlSystem/"+cs.SystemID+"/mode", body, nil)
}

// --- zone setpoint --------------------------------------------------------

type zoneSetpointBody struct {
	SetpointMode      string  `json:"setpointMode"`
	HeatSetpointValue float64 `json:"heatSetpointValue,omitempty"`
	TimeUntil         string  `json:"timeUntil,omitempty"`
}

// SetTemperature holds a zone at temp indefinitely.
func (c *Client) SetTemperature(ctx context.Context, zone *Zone, temp float64) error {
	if err := validateSetpoint(temp); err != nil {
		return err
	}
	body := zoneSetpointBody{SetpointMode: string(ModePermanentOverr), HeatSetpointValue: temp}
	return c.putZoneHeatSetpoint(ctx, zone, body)
}

// SetTemperatureUntil holds a zone at temp until the given time, after
// which it reverts to its schedule.
func (c *Client) SetTemperatureUntil(ctx context.Context, zone *Zone, temp float64, until time.Time) error {
	if err := validateSetpoint(temp); err != nil {
		return err
	}
	body := zoneSetpointBody{
		SetpointMode:      string(ModeTemporaryOverr),
		HeatSetpointValue: temp,
		TimeUntil:         until.UTC().Format(wireTimeLayout),
	}
	return c.putZoneHeatSetpoint(ctx, zone, body)
}

// ResetZone clears any override and returns a zone to following its schedule.
func (c *Client) ResetZone(ctx context.Context, zone *Zone) error {
	body := zoneSetpointBody{SetpointMode: string(ModeFollowSchedule)}
	return c.putZoneHeatSetpoint(ctx, zone, body)
}

func (c *Client) putZoneHeatSetpoint(ctx context.Context, zone *Zone, body zoneSetpointBody) error {
	return c.requester.Put(ctx, "/WebAPI/emea/api/v1/temperatureZone/"+zone.ZoneID+"/heatSetpoint", body, nil)
}

// --- domestic hot water --------------------------------------------------

type dhwStateBody struct {
	Mode      string `json:"mode"`
	State     string `json:"state"`
	UntilTime string `json:"untilTime,omitempty"`
}

// SetDhwState sets a DHW zone's mode/state, with an optional until time for
// a temporary override.
func (c *Client) SetDhwState(ctx context.Context, dhw *HotWater, mode ZoneMode, state DhwState, until *time.Time) error {
	body := dhwStateBody{Mode: string(mode), State: string(state)}
	if until != nil {
		body.UntilTime = until.UTC().Format(wireTimeLayout)
	}
	return c.requester.Put(ctx, "/WebAPI/emea/api/v1/domesticHotWater/"+dhw.DhwID+"/state", body, nil)
}

// SetDhwOn holds DHW on indefinitely.
func (c *Client) SetDhwOn(ctx context.Context, dhw *HotWater) error {
	return c.SetDhwState(ctx, dhw, ModePermanentOverr, DhwOn, nil)
}

// SetDhwOff holds DHW off indefinitely.
func (c *Client) SetDhwOff(ctx context.Context, dhw *HotWater) error {
	return c.SetDhwState(ctx, dhw, ModePermanentOverr, DhwOff, nil)
}

// SetDhwFollowSchedule clears any override on a DHW zone.
func (c *Client) SetDhwFollowSchedule(ctx context.Context, dhw *HotWater) error {
	return c.SetDhwState(ctx, dhw, ModeFollowSchedule, DhwOn, nil)
}

// --- schedules ------------------------------------------------------------

// scheduleOwner is anything with a schedule endpoint: a zone or a DHW.
type scheduleOwner interface {
	scheduleEntityType() string
	scheduleEntityID() string
}

func (z *Zone) scheduleEntityType() string     { return "temperatureZone" }
func (z *Zone) scheduleEntityID() string       { return z.ZoneID }
func (h *HotWater) scheduleEntityType() string { return "domesticHotWater" }
func (h *HotWater) scheduleEntityID() string   { return h.DhwID }

func schedulePath(owner scheduleOwner) string {
	return fmt.Sprintf("/WebAPI/emea/api/v1/%s/%s/schedule", owner.scheduleEntityType(), owner.scheduleEntityID())
}

// GetSchedule fetches and decodes a zone's or DHW's weekly schedule.
func (c *Client) GetSchedule(ctx context.Context, owner scheduleOwner) (*Schedule, error) {
	var raw json.RawMessage
	if err := c.requester.Get(ctx, schedulePath(owner), &raw); err != nil {
		return nil, err
	}
	return DecodeScheduleGET(raw)
}

// PutSchedule validates and uploads a weekly schedule.
func (c *Client) PutSchedule(ctx context.Context, owner scheduleOwner, sched *Schedule) error {
	body, err := EncodeSchedulePUT(sched)
	if err != nil {
		return err
	}
	return c.requester.Put(ctx, schedulePath(owner), body, nil)
}

// ScheduleBackup is an in-memory snapshot of every schedule belonging to a
// control system's zones and, if present, its DHW.
type ScheduleBackup struct {
	Zones map[string]*Schedule // by zone id
	Dhw   *Schedule            // nil if the system has no DHW
}

// BackupSchedules fetches and holds every schedule for a control system's
// children, for later restoration with RestoreSchedules.
func (c *Client) BackupSchedules(ctx context.Context, cs *ControlSystem) (*ScheduleBackup, error) {
	backup := &ScheduleBackup{Zones: make(map[string]*Schedule)}

	for _, zone := range c.tree.ZonesOf(cs) {
		sched, err := c.GetSchedule(ctx, zone)
		if err != nil {
			return nil, fmt.Errorf("evohome: backing up zone %s schedule: %w", zone.ZoneID, err)
		}
		backup.Zones[zone.ZoneID] = sched
	}

	if dhw, ok := c.tree.HotWaterOf(cs); ok {
		sched, err := c.GetSchedule(ctx, dhw)
		if err != nil {
			return nil, fmt.Errorf("evohome: backing up dhw %s schedule: %w", dhw.DhwID, err)
		}
		backup.Dhw = sched
	}

	return backup, nil
}

// RestoreSchedules re-uploads every schedule held in a prior backup.
func (c *Client) RestoreSchedules(ctx context.Context, cs *ControlSystem, backup *ScheduleBackup) error {
	for _, zone := range c.tree.ZonesOf(cs) {
		sched, ok := backup.Zones[zone.ZoneID]
		if !ok {
			continue
		}
		if err := c.PutSchedule(ctx, zone, sched); err != nil {
			return fmt.Errorf("evohome: restoring zone %s schedule: %w", zone.ZoneID, err)
		}
	}

	if dhw, ok := c.tree.HotWaterOf(cs); ok && backup.Dhw != nil {
		if err := c.PutSchedule(ctx, dhw, backup.Dhw); err != nil {
			return fmt.Errorf("evohome: restoring dhw %s schedule: %w", dhw.DhwID, err)
		}
	}

	return nil
}

// --- v0 write path ----------------------------------------------------------
//
// The legacy session-id API has no direct PUT-and-done equivalent of the v2
// endpoints above: every write returns a comm task id that must be polled
// to Succeeded before the change is confirmed. These methods are the v0
// counterparts of SetSystemMode/SetTemperature/SetDhwState; callers on a v0
// Client should use these instead.

type v0SystemModeBody struct {
	QuickAction         string `json:"QuickAction"`
	QuickActionNextTime string `json:"QuickActionNextTime,omitempty"`
}

// SetSystemModeV0 puts a v0 location into a system mode, permanently or
// (with until set) until a given time, and waits for the resulting comm
// task to report Succeeded.
func (c *Client) SetSystemModeV0(ctx context.Context, locationID, mode string, until *time.Time) error {
	body := v0SystemModeBody{QuickAction: mode}
	if until != nil {
		body.QuickActionNextTime = until.UTC().Format(wireTimeLayout)
	}
	return c.putV0AndPoll(ctx, "/WebAPI/api/evoTouchSystems?locationId="+locationID, body)
}

type v0HeatSetpointBody struct {
	Status   string   `json:"Status"`
	Value    *float64 `json:"Value,omitempty"`
	NextTime string   `json:"NextTime,omitempty"`
}

// SetTemperatureV0 holds a v0 zone (identified by its thermostat device id)
// at temp, indefinitely or until a given time, waiting for the resulting
// comm task to report Succeeded.
func (c *Client) SetTemperatureV0(ctx context.Context, deviceID string, temp float64, until *time.Time) error {
	if err := validateSetpoint(temp); err != nil {
		return err
	}
	body := v0HeatSetpointBody{Status: "Hold", Value: &temp}
	if until != nil {
		body.Status = "Temporary"
		body.NextTime = until.UTC().Format(wireTimeLayout)
	}
	return c.putV0AndPoll(ctx, "/WebAPI/api/devices/"+deviceID+"/thermostat/changeableValues/heatSetpoint", body)
}

// ResetZoneV0 returns a v0 zone to following its schedule.
func (c *Client) ResetZoneV0(ctx context.Context, deviceID string) error {
	body := v0HeatSetpointBody{Status: "Scheduled"}
	return c.putV0AndPoll(ctx, "/WebAPI/api/devices/"+deviceID+"/thermostat/changeableValues/heatSetpoint", body)
}

type v0DhwBody struct {
	Status   string `json:"Status"`
	Mode     string `json:"Mode,omitempty"`
	NextTime string `json:"NextTime,omitempty"`
}

// SetDhwStateV0 holds a v0 DHW device on or off (mode is "DHWOn"/"DHWOff"),
// indefinitely or until a given time.
func (c *Client) SetDhwStateV0(ctx context.Context, deviceID, mode string, until *time.Time) error {
	body := v0DhwBody{Status: "Hold", Mode: mode}
	if until != nil {
		body.NextTime = until.UTC().Format(wireTimeLayout)
	}
	return c.putV0AndPoll(ctx, "/WebAPI/api/devices/"+deviceID+"/thermostat/changeableValues", body)
}

// SetDhwAutoV0 lets a v0 DHW device switch on/off by its own schedule.
func (c *Client) SetDhwAutoV0(ctx context.Context, deviceID string) error {
	body := v0DhwBody{Status: "Scheduled"}
	return c.putV0AndPoll(ctx, "/WebAPI/api/devices/"+deviceID+"/thermostat/changeableValues", body)
}

// v0CommTaskID unwraps a v0 PUT response's task id.
type v0CommTaskID struct {
	ID string `json:"id"`
}

// putV0AndPoll issues a v0 write, extracts the comm task id the vendor
// returns (either a bare object or a one-element array of them), and
// blocks until pollCommTask reports the task Succeeded.
func (c *Client) putV0AndPoll(ctx context.Context, path string, body any) error {
	var raw json.RawMessage
	if err := c.requester.Put(ctx, path, body, &raw); err != nil {
		return err
	}

	taskID, err := decodeV0CommTaskID(raw)
	if err != nil {
		return err
	}
	return c.pollCommTask(ctx, taskID)
}

func decodeV0CommTaskID(raw json.RawMessage) (string, error) {
	var single v0CommTaskID
	if err := json.Unmarshal(raw, &single); err == nil && single.ID != "" {
		return single.ID, nil
	}
	var list []v0CommTaskID
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0].ID != "" {
		return list[0].ID, nil
	}
	return "", fmt.Errorf("evohome: v0 put response carried no comm task id")
}

// --- v0 comm-task polling -------------------------------------------------

// commTaskState is the lifecycle of a v0 asynchronous command.
type commTaskState string

const (
	commTaskCreated   commTaskState = "Created"
	commTaskRunning   commTaskState = "Running"
	commTaskSucceeded commTaskState = "Succeeded"
)

type commTaskStatus struct {
	State string `json:"state"`
}

// pollCommTask polls a v0 comm task id until it reports Succeeded, making
// at most 10 attempts with xretry's default exponential backoff. It returns an error
// if the task never reaches Succeeded within the retry budget, or reports
// any state other than Created/Running/Succeeded.
func (c *Client) pollCommTask(ctx context.Context, commTaskID string) error {
	retryer := xretry.NewRetryer(
		xretry.WithRetryPolicy(xretry.NewFixedRetry(10)),
		xretry.WithBackoffPolicy(xretry.NewExponentialBackoff()),
	)

	return retryer.Do(ctx, func(ctx context.Context) error {
		var status commTaskStatus
		path := "/WebAPI/api/commTasks?commTaskId=" + commTaskID
		if err := c.requester.Get(ctx, path, &status); err != nil {
			return err
		}
		switch commTaskState(status.State) {
		case commTaskSucceeded:
			return nil
		case commTaskCreated, commTaskRunning:
			return fmt.Errorf("evohome: comm task %s still %s", commTaskID, status.State)
		default:
			return xretry.Unrecoverable(fmt.Errorf("evohome: comm task %s reported unexpected state %q", commTaskID, status.State))
		}
	})
}
