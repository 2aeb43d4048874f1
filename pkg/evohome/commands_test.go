package evohome

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commandTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/Auth/OAuth/Token" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "A", "token_type": "bearer", "expires_in": 1799,
			})
			return
		}
		handler(w, r)
	}))

	cfg := testConfigV2(srv.URL)
	c, err := NewClient(cfg, AuthV2)
	require.NoError(t, err)
	return c, func() { c.Close(); srv.Close() }
}

func v0CommandTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/WebAPI/api/session" {
			_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "sess-1"})
			return
		}
		handler(w, r)
	}))

	cfg := &Config{HostV0: srv.URL, Username: "jane@example.com", Password: "hunter2", AllowInsecure: true}
	c, err := NewClient(cfg, AuthV0)
	require.NoError(t, err)
	return c, func() { c.Close(); srv.Close() }
}

func TestSetDhwState_OnOffFollowSchedule(t *testing.T) {
	var bodies []map[string]any

	c, cleanup := commandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/WebAPI/emea/api/v1/domesticHotWater/dhw-1/state" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
	})
	defer cleanup()

	dhw := &HotWater{DhwID: "dhw-1"}

	require.NoError(t, c.SetDhwOn(t.Context(), dhw))
	require.NoError(t, c.SetDhwOff(t.Context(), dhw))
	require.NoError(t, c.SetDhwFollowSchedule(t.Context(), dhw))

	require.Len(t, bodies, 3)
	assert.Equal(t, "PermanentOverride", bodies[0]["mode"])
	assert.Equal(t, "On", bodies[0]["state"])
	assert.Equal(t, "PermanentOverride", bodies[1]["mode"])
	assert.Equal(t, "Off", bodies[1]["state"])
	assert.Equal(t, "FollowSchedule", bodies[2]["mode"])
	assert.NotContains(t, bodies[2], "untilTime")
}

func TestBackupAndRestoreSchedules_RoundTripsZoneAndDhw(t *testing.T) {
	zoneSchedule := `{"dailySchedules": [{"dayOfWeek": "Monday", "switchpoints": [{"timeOfDay": "07:00:00", "heatSetpoint": 19.0}]}]}`
	dhwSchedule := `{"dailySchedules": [{"dayOfWeek": "Monday", "switchpoints": [{"timeOfDay": "06:30:00", "dhwState": "On"}]}]}`

	var putPaths []string

	c, cleanup := commandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/WebAPI/emea/api/v1/temperatureZone/zone-1/schedule":
			_, _ = w.Write([]byte(zoneSchedule))
		case r.Method == http.MethodGet && r.URL.Path == "/WebAPI/emea/api/v1/domesticHotWater/dhw-1/schedule":
			_, _ = w.Write([]byte(dhwSchedule))
		case r.Method == http.MethodPut:
			putPaths = append(putPaths, r.URL.Path)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer cleanup()

	cs := &ControlSystem{SystemID: "sys-1", ZoneIDs: []string{"zone-1"}, DhwID: "dhw-1"}
	c.tree.zones["zone-1"] = &Zone{ZoneID: "zone-1", SystemID: "sys-1"}
	c.tree.hotWater["dhw-1"] = &HotWater{DhwID: "dhw-1", SystemID: "sys-1"}
	c.tree.controlSystems["sys-1"] = cs

	backup, err := c.BackupSchedules(t.Context(), cs)
	require.NoError(t, err)
	require.Contains(t, backup.Zones, "zone-1")
	require.NotNil(t, backup.Dhw)
	assert.Equal(t, "Monday", backup.Zones["zone-1"].DailySchedules[0].DayOfWeek)

	require.NoError(t, c.RestoreSchedules(t.Context(), cs, backup))
	assert.ElementsMatch(t, []string{
		"/WebAPI/emea/api/v1/temperatureZone/zone-1/schedule",
		"/WebAPI/emea/api/v1/domesticHotWater/dhw-1/schedule",
	}, putPaths)
}

func TestRestoreSchedules_SkipsZoneMissingFromBackup(t *testing.T) {
	var putCount int32

	c, cleanup := commandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			atomic.AddInt32(&putCount, 1)
		}
	})
	defer cleanup()

	cs := &ControlSystem{SystemID: "sys-1", ZoneIDs: []string{"zone-1", "zone-2"}}
	c.tree.zones["zone-1"] = &Zone{ZoneID: "zone-1", SystemID: "sys-1"}
	c.tree.zones["zone-2"] = &Zone{ZoneID: "zone-2", SystemID: "sys-1"}
	c.tree.controlSystems["sys-1"] = cs

	backup := &ScheduleBackup{Zones: map[string]*Schedule{
		"zone-1": {DailySchedules: []DaySchedule{{DayOfWeek: "Monday"}}},
	}}

	require.NoError(t, c.RestoreSchedules(t.Context(), cs, backup))
	assert.Equal(t, int32(1), atomic.LoadInt32(&putCount), "a zone absent from the backup must not be PUT at all")
}

func TestPollCommTask_SucceedsOnFirstPoll(t *testing.T) {
	var polls int32

	c, cleanup := commandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("commTaskId") != "task-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt32(&polls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "Succeeded"})
	})
	defer cleanup()

	require.NoError(t, c.pollCommTask(t.Context(), "task-1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&polls))
}

func TestPollCommTask_RunningThenSucceeded(t *testing.T) {
	var polls int32

	c, cleanup := commandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		state := "Succeeded"
		if n < 3 {
			state = "Running"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"state": state})
	})
	defer cleanup()

	require.NoError(t, c.pollCommTask(t.Context(), "task-1"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestPollCommTask_UnexpectedStateStopsImmediately(t *testing.T) {
	var polls int32

	c, cleanup := commandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "Failed"})
	})
	defer cleanup()

	err := c.pollCommTask(t.Context(), "task-1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&polls), "an unrecognized state is unrecoverable and must not be retried")
}

func TestSetSystemModeV0_PutsEvoTouchSystemsAndPollsCommTask(t *testing.T) {
	var putBody map[string]any
	var pollCount int32

	c, cleanup := v0CommandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/WebAPI/api/evoTouchSystems":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
		case r.URL.Path == "/WebAPI/api/commTasks":
			atomic.AddInt32(&pollCount, 1)
			_ = json.NewEncoder(w).Encode(map[string]string{"state": "Succeeded"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer cleanup()

	require.NoError(t, c.SetSystemModeV0(t.Context(), "loc-1", SystemModeAway, nil))
	assert.Equal(t, "Away", putBody["QuickAction"])
	assert.NotContains(t, putBody, "QuickActionNextTime")
	assert.Equal(t, int32(1), atomic.LoadInt32(&pollCount))
}

func TestSetTemperatureV0_RejectsOutOfRangeSetpoint(t *testing.T) {
	c, cleanup := v0CommandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer cleanup()

	err := c.SetTemperatureV0(t.Context(), "device-1", 99, nil)
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestSetTemperatureV0_HoldVsTemporary(t *testing.T) {
	var bodies []map[string]any

	c, cleanup := v0CommandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			bodies = append(bodies, body)
			_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "task-1"}})
		case r.URL.Path == "/WebAPI/api/commTasks":
			_ = json.NewEncoder(w).Encode(map[string]string{"state": "Succeeded"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer cleanup()

	require.NoError(t, c.SetTemperatureV0(t.Context(), "device-1", 20, nil))
	until := timeMustParse(t, "2025-07-10T13:00:00Z")
	require.NoError(t, c.SetTemperatureV0(t.Context(), "device-1", 18.5, &until))

	require.Len(t, bodies, 2)
	assert.Equal(t, "Hold", bodies[0]["Status"])
	assert.NotContains(t, bodies[0], "NextTime")
	assert.Equal(t, "Temporary", bodies[1]["Status"])
	assert.Equal(t, "2025-07-10T13:00:00Z", bodies[1]["NextTime"])
}

func TestSetDhwStateV0_OnOffAuto(t *testing.T) {
	var bodies []map[string]any

	c, cleanup := v0CommandTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			bodies = append(bodies, body)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
		case r.URL.Path == "/WebAPI/api/commTasks":
			_ = json.NewEncoder(w).Encode(map[string]string{"state": "Succeeded"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer cleanup()

	require.NoError(t, c.SetDhwStateV0(t.Context(), "dhw-device-1", "DHWOn", nil))
	require.NoError(t, c.SetDhwAutoV0(t.Context(), "dhw-device-1"))

	require.Len(t, bodies, 2)
	assert.Equal(t, "Hold", bodies[0]["Status"])
	assert.Equal(t, "DHWOn", bodies[0]["Mode"])
	assert.Equal(t, "Scheduled", bodies[1]["Status"])
}

func TestDecodeV0CommTaskID_ObjectAndArrayForms(t *testing.T) {
	id, err := decodeV0CommTaskID(json.RawMessage(`{"id":"task-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	id, err = decodeV0CommTaskID(json.RawMessage(`[{"id":"task-2"}]`))
	require.NoError(t, err)
	assert.Equal(t, "task-2", id)

	_, err = decodeV0CommTaskID(json.RawMessage(`{}`))
	assert.Error(t, err)
}

func timeMustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(wireTimeLayout, s)
	require.NoError(t, err)
	return tm
}
