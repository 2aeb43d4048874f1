package evohome

import (
	"context"
	"time"
)

// --- installation info (GET location/installationInfo) -------------------

type locationInstallationInfo struct {
	LocationInfo struct {
		LocationID string `json:"locationId"`
		Name       string `json:"name"`
		TimeZone   struct {
			TimeZoneID string `json:"timeZoneId"`
		} `json:"timeZone"`
	} `json:"locationInfo"`
	Gateways []gatewayInstallationInfo `json:"gateways"`
}

type gatewayInstallationInfo struct {
	GatewayInfo struct {
		GatewayID string `json:"gatewayId"`
		MAC       string `json:"mac"`
		IsWiFi    bool   `json:"isWiFi"`
	} `json:"gatewayInfo"`
	TemperatureControlSystems []controlSystemInstallationInfo `json:"temperatureControlSystems"`
}

type controlSystemInstallationInfo struct {
	SystemID           string                  `json:"systemId"`
	ModelType          string                  `json:"modelType"`
	AllowedSystemModes []allowedSystemModeInfo `json:"allowedSystemModes"`
	Zones              []zoneInstallationInfo  `json:"zones"`
	Dhw                *dhwInstallationInfo    `json:"dhw,omitempty"`
}

type allowedSystemModeInfo struct {
	SystemMode string `json:"systemMode"`
}

type zoneInstallationInfo struct {
	ZoneID               string                   `json:"zoneId"`
	Name                 string                   `json:"name"`
	ModelType            string                   `json:"modelType"`
	ZoneType             string                   `json:"zoneType"`
	SetpointCapabilities setpointCapabilitiesInfo `json:"setpointCapabilities"`
	ScheduleCapabilities scheduleCapabilitiesInfo `json:"scheduleCapabilities"`
}

type setpointCapabilitiesInfo struct {
	MaxHeatSetpoint float64 `json:"maxHeatSetpoint"`
	MinHeatSetpoint float64 `json:"minHeatSetpoint"`
	ValueResolution float64 `json:"valueResolution"`
	CanControlHeat  bool    `json:"canControlHeat"`
}

type scheduleCapabilitiesInfo struct {
	MaxSwitchpointsPerDay int    `json:"maxSwitchpointsPerDay"`
	MinSwitchpointsPerDay int    `json:"minSwitchpointsPerDay"`
	TimingResolution      string `json:"timingResolution"`
}

type dhwInstallationInfo struct {
	DhwID string `json:"dhwId"`
}

// --- location status (GET location/{id}/status) --------------------------

type locationStatus struct {
	LocationID string          `json:"locationId"`
	Gateways   []gatewayStatus `json:"gateways"`
}

type gatewayStatus struct {
	GatewayID                string                 `json:"gatewayId"`
	TemperatureControlSystems []controlSystemStatus `json:"temperatureControlSystems"`
}

type activeFaultStatus struct {
	FaultType string `json:"faultType"`
	Since     string `json:"since"`
}

type controlSystemStatus struct {
	SystemID         string `json:"systemId"`
	SystemModeStatus struct {
		Mode        string `json:"mode"`
		IsPermanent bool   `json:"isPermanent"`
		TimeUntil   string `json:"timeUntil,omitempty"`
	} `json:"systemModeStatus"`
	Zones        []zoneStatus        `json:"zones"`
	Dhw          *dhwStatus          `json:"dhw,omitempty"`
	ActiveFaults []activeFaultStatus `json:"activeFaults"`
}

type zoneStatus struct {
	ZoneID            string `json:"zoneId"`
	Name              string `json:"name"`
	TemperatureStatus struct {
		IsAvailable bool    `json:"isAvailable"`
		Temperature float64 `json:"temperature"`
	} `json:"temperatureStatus"`
	SetpointStatus struct {
		TargetHeatTemperature float64 `json:"targetHeatTemperature"`
		SetpointMode          string  `json:"setpointMode"`
	} `json:"setpointStatus"`
	ActiveFaults []activeFaultStatus `json:"activeFaults"`
}

type dhwStatus struct {
	DhwID             string `json:"dhwId"`
	TemperatureStatus struct {
		IsAvailable bool    `json:"isAvailable"`
		Temperature float64 `json:"temperature"`
	} `json:"temperatureStatus"`
	StateStatus struct {
		State string `json:"state"`
		Mode  string `json:"mode"`
		Until string `json:"until,omitempty"`
	} `json:"stateStatus"`
	ActiveFaults []activeFaultStatus `json:"activeFaults"`
}

// toActiveFaults converts a status payload's fault entries to the public
// shape, keeping every entry, including one whose fault type isn't one of
// the vendor's known codes (validateFaultTypes reports those separately).
func toActiveFaults(faults []activeFaultStatus) []ActiveFault {
	out := make([]ActiveFault, 0, len(faults))
	for _, f := range faults {
		out = append(out, ActiveFault{FaultType: FaultType(f.FaultType), Since: f.Since})
	}
	return out
}

// parseWireTime parses a vendor timestamp in wireTimeLayout, returning nil
// (rather than an error) for an empty string: SZ_TIME_UNTIL/SZ_UNTIL are
// only present for some system/zone modes.
func parseWireTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(wireTimeLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// ResetConfig, when passed true to Refresh, forces a full rebuild of the
// resource tree instead of an in-place status update.
type ResetConfig bool

// refreshPlan captures how a caller wants Refresh to behave, modeled on
// the teacher's own functional-options style even though this is a single
// boolean today, so a future addition doesn't change Refresh's signature.
type refreshPlan struct {
	fullRebuild bool
}

// applyResetConfig folds ResetConfig into a refreshPlan.
func applyResetConfig(opts []ResetConfig) refreshPlan {
	plan := refreshPlan{}
	for _, o := range opts {
		if bool(o) {
			plan.fullRebuild = true
		}
	}
	return plan
}

// Refresh updates the client's resource tree. With no arguments it applies
// a location status GET onto the existing tree in place, preserving *Zone
// and *HotWater identity so callers holding a reference see it update.
// Refresh(ResetConfig(true)) tears down and rebuilds the whole tree from
// the installation info endpoint first.
func (c *Client) Refresh(ctx context.Context, opts ...ResetConfig) error {
	plan := applyResetConfig(opts)

	ctx, span := c.startSpan(ctx, MetricsOpRefreshTree)
	var err error
	defer func() { span.End(resultOf(err)) }()

	if plan.fullRebuild || len(c.tree.locations) == 0 {
		if err = c.rebuildTree(ctx); err != nil {
			return err
		}
	}

	for _, loc := range c.tree.Locations() {
		var status locationStatus
		path := "/WebAPI/emea/api/v1/location/" + loc.LocationID + "/status?includeTemperatureControlSystems=True"
		if getErr := c.requester.Get(ctx, path, &status); getErr != nil {
			err = getErr
			return err
		}
		c.applyLocationStatus(&status)
	}
	return nil
}

func (c *Client) rebuildTree(ctx context.Context) error {
	var account UserAccount
	if err := c.requester.Get(ctx, "/WebAPI/emea/api/v1/userAccount", &account); err != nil {
		return err
	}
	if err := validateUserAccount(account); err != nil {
		c.warnInvalidSchema("userAccount", account.UserID, err)
	}
	c.mu.Lock()
	c.account = &account
	c.mu.Unlock()

	path := "/WebAPI/emea/api/v1/location/installationInfo?userId=" + account.UserID + "&includeTemperatureControlSystems=True"
	var info []locationInstallationInfo
	if err := c.requester.Get(ctx, path, &info); err != nil {
		return err
	}

	c.tree.reset()
	for _, loc := range info {
		locationID := loc.LocationInfo.LocationID
		if !validID(locationID) {
			c.warnSkippedResource("location", locationID, "malformed id")
			continue
		}
		location := &Location{
			LocationID: locationID,
			Name:       loc.LocationInfo.Name,
			TimeZone:   loc.LocationInfo.TimeZone.TimeZoneID,
		}
		c.tree.locations[locationID] = location
		c.tree.locationOrder = append(c.tree.locationOrder, locationID)

		for _, gw := range loc.Gateways {
			gatewayID := gw.GatewayInfo.GatewayID
			if !validID(gatewayID) {
				c.warnSkippedResource("gateway", gatewayID, "malformed id")
				continue
			}
			gateway := &Gateway{
				GatewayID:  gatewayID,
				LocationID: locationID,
				MAC:        gw.GatewayInfo.MAC,
				IsWiFi:     gw.GatewayInfo.IsWiFi,
			}
			c.tree.gateways[gatewayID] = gateway
			location.GatewayIDs = append(location.GatewayIDs, gatewayID)

			for _, cs := range gw.TemperatureControlSystems {
				allowedModes := make([]string, 0, len(cs.AllowedSystemModes))
				for _, m := range cs.AllowedSystemModes {
					allowedModes = append(allowedModes, m.SystemMode)
				}
				system := &ControlSystem{
					SystemID:           cs.SystemID,
					GatewayID:          gatewayID,
					ModelType:          cs.ModelType,
					AllowedSystemModes: allowedModes,
				}
				c.tree.controlSystems[cs.SystemID] = system
				gateway.ControlSystemIDs = append(gateway.ControlSystemIDs, cs.SystemID)

				for _, z := range cs.Zones {
					if !validID(z.ZoneID) {
						c.warnSkippedResource("zone", z.ZoneID, "malformed id")
						continue
					}
					zone := &Zone{
						ZoneID:   z.ZoneID,
						SystemID: cs.SystemID,
						Name:     z.Name,
						ModelType: z.ModelType,
						ZoneType:  z.ZoneType,
						SetpointCapabilities: SetpointCapabilities{
							MaxHeatSetpoint: z.SetpointCapabilities.MaxHeatSetpoint,
							MinHeatSetpoint: z.SetpointCapabilities.MinHeatSetpoint,
							ValueResolution: z.SetpointCapabilities.ValueResolution,
							CanControlHeat:  z.SetpointCapabilities.CanControlHeat,
						},
						ScheduleCapabilities: ScheduleCapabilities{
							MaxSwitchpointsPerDay: z.ScheduleCapabilities.MaxSwitchpointsPerDay,
							MinSwitchpointsPerDay: z.ScheduleCapabilities.MinSwitchpointsPerDay,
							TimingResolution:      z.ScheduleCapabilities.TimingResolution,
						},
					}
					c.tree.zones[z.ZoneID] = zone
					system.ZoneIDs = append(system.ZoneIDs, z.ZoneID)
				}
				if cs.Dhw != nil {
					if !validID(cs.Dhw.DhwID) {
						c.warnSkippedResource("dhw", cs.Dhw.DhwID, "malformed id")
					} else {
						dhw := &HotWater{DhwID: cs.Dhw.DhwID, SystemID: cs.SystemID}
						c.tree.hotWater[cs.Dhw.DhwID] = dhw
						system.DhwID = cs.Dhw.DhwID
					}
				}
			}
		}
	}
	return nil
}

// applyLocationStatus writes a status payload's fields onto the existing
// tree entities in place.
func (c *Client) applyLocationStatus(status *locationStatus) {
	for _, gw := range status.Gateways {
		for _, csStatus := range gw.TemperatureControlSystems {
			system, ok := c.tree.controlSystems[csStatus.SystemID]
			if !ok {
				continue
			}
			if err := validateControlSystemStatus(csStatus); err != nil {
				c.warnInvalidSchema("controlSystem", csStatus.SystemID, err)
			}
			system.Mode = csStatus.SystemModeStatus.Mode
			system.IsPermanent = csStatus.SystemModeStatus.IsPermanent
			system.TimeUntil = parseWireTime(csStatus.SystemModeStatus.TimeUntil)
			system.ActiveFaults = toActiveFaults(csStatus.ActiveFaults)

			for _, zStatus := range csStatus.Zones {
				zone, ok := c.tree.zones[zStatus.ZoneID]
				if !ok {
					continue
				}
				if err := validateZoneStatus(zStatus); err != nil {
					c.warnInvalidSchema("zone", zStatus.ZoneID, err)
				}
				zone.Name = zStatus.Name
				zone.CurrentTemp = zStatus.TemperatureStatus.Temperature
				zone.TargetTemp = zStatus.SetpointStatus.TargetHeatTemperature
				zone.Mode = ZoneMode(zStatus.SetpointStatus.SetpointMode)
				zone.ActiveFaults = toActiveFaults(zStatus.ActiveFaults)
			}

			if csStatus.Dhw != nil {
				if dhw, ok := c.tree.hotWater[csStatus.Dhw.DhwID]; ok {
					if err := validateDhwStatus(*csStatus.Dhw); err != nil {
						c.warnInvalidSchema("dhw", csStatus.Dhw.DhwID, err)
					}
					dhw.Temperature = csStatus.Dhw.TemperatureStatus.Temperature
					dhw.State = DhwState(csStatus.Dhw.StateStatus.State)
					dhw.Mode = ZoneMode(csStatus.Dhw.StateStatus.Mode)
					dhw.Until = parseWireTime(csStatus.Dhw.StateStatus.Until)
					dhw.ActiveFaults = toActiveFaults(csStatus.Dhw.ActiveFaults)
				}
			}
		}
	}
}
