package evohome

import (
	"fmt"
	"time"
)

// Location is the top-level installation entity: one physical site with
// one or more gateways.
type Location struct {
	LocationID string
	Name       string
	TimeZone   string

	GatewayIDs []string
}

// Gateway is a physical hub owning one or more control systems.
type Gateway struct {
	GatewayID  string
	LocationID string
	MAC        string
	IsWiFi     bool

	ControlSystemIDs []string
}

// ActiveFault is a currently-reported device fault, carried verbatim on a
// control system, zone, or DHW zone's status.
type ActiveFault struct {
	FaultType FaultType
	Since     string // kept as the raw wire string: the vendor emits two different datetime formats here
}

// SetpointCapabilities describes the heat setpoint range and granularity a
// zone's thermostat hardware supports, taken from installation info.
type SetpointCapabilities struct {
	MaxHeatSetpoint float64
	MinHeatSetpoint float64
	ValueResolution float64
	CanControlHeat  bool
}

// ScheduleCapabilities describes the switchpoint limits a zone's schedule
// must respect, taken from installation info.
type ScheduleCapabilities struct {
	MaxSwitchpointsPerDay int
	MinSwitchpointsPerDay int
	TimingResolution      string
}

// ControlSystem is a temperature control system: a set of heating zones
// and an optional domestic hot water zone sharing one operating mode.
type ControlSystem struct {
	SystemID  string
	GatewayID string

	ModelType          string
	AllowedSystemModes []string

	Mode         string
	IsPermanent  bool
	TimeUntil    *time.Time
	ActiveFaults []ActiveFault

	ZoneIDs []string
	DhwID   string // empty when this system has no DHW zone
}

// Zone is a single heating zone.
type Zone struct {
	ZoneID   string
	SystemID string
	Name     string

	ModelType            string
	ZoneType             string
	SetpointCapabilities SetpointCapabilities
	ScheduleCapabilities ScheduleCapabilities

	Mode        ZoneMode
	TargetTemp  float64
	CurrentTemp float64

	ActiveFaults []ActiveFault
}

// HotWater is a domestic hot water zone.
type HotWater struct {
	DhwID    string
	SystemID string

	Mode        ZoneMode
	State       DhwState
	Temperature float64
	Until       *time.Time

	ActiveFaults []ActiveFault
}

// tree is the id-keyed flat store for every resource kind, replacing the
// cyclic parent/child object graph of the source API with map lookups.
// Entities are stored as pointers so Refresh can update fields in place
// without invalidating references callers are already holding.
type tree struct {
	locations      map[string]*Location
	gateways       map[string]*Gateway
	controlSystems map[string]*ControlSystem
	zones          map[string]*Zone
	hotWater       map[string]*HotWater

	locationOrder []string
}

func newTree() *tree {
	return &tree{
		locations:      make(map[string]*Location),
		gateways:       make(map[string]*Gateway),
		controlSystems: make(map[string]*ControlSystem),
		zones:          make(map[string]*Zone),
		hotWater:       make(map[string]*HotWater),
	}
}

// reset empties the tree in place, used by a full Refresh rebuild.
func (t *tree) reset() {
	t.locations = make(map[string]*Location)
	t.gateways = make(map[string]*Gateway)
	t.controlSystems = make(map[string]*ControlSystem)
	t.zones = make(map[string]*Zone)
	t.hotWater = make(map[string]*HotWater)
	t.locationOrder = nil
}

// Locations returns every known location, in discovery order.
func (t *tree) Locations() []*Location {
	out := make([]*Location, 0, len(t.locationOrder))
	for _, id := range t.locationOrder {
		if loc, ok := t.locations[id]; ok {
			out = append(out, loc)
		}
	}
	return out
}

// Location returns the location with the given id, or nil.
func (t *tree) Location(id string) *Location { return t.locations[id] }

// Gateway returns the gateway with the given id, or nil.
func (t *tree) Gateway(id string) *Gateway { return t.gateways[id] }

// ControlSystem returns the control system with the given id, or nil.
func (t *tree) ControlSystem(id string) *ControlSystem { return t.controlSystems[id] }

// Zone returns the zone with the given id, or nil.
func (t *tree) Zone(id string) *Zone { return t.zones[id] }

// HotWater returns the DHW zone with the given id, or nil.
func (t *tree) HotWater(id string) *HotWater { return t.hotWater[id] }

// ZoneByName returns a zone whose name matches exactly, across all control
// systems. Zone names are expected to be unique within a single
// installation but this is not enforced by the server; when several zones
// share the name, which of them is returned is not defined.
func (t *tree) ZoneByName(name string) (*Zone, error) {
	for _, z := range t.zones {
		if z.Name == name {
			return z, nil
		}
	}
	return nil, fmt.Errorf("%w: no zone named %q", ErrApiRequestFailed, name)
}

// AllControlSystems returns every known control system.
func (t *tree) AllControlSystems() []*ControlSystem {
	out := make([]*ControlSystem, 0, len(t.controlSystems))
	for _, cs := range t.controlSystems {
		out = append(out, cs)
	}
	return out
}

// SingleControlSystem returns the installation's one control system, or
// ErrNoSingleTcs if there are zero or more than one.
func (t *tree) SingleControlSystem() (*ControlSystem, error) {
	if len(t.controlSystems) != 1 {
		return nil, ErrNoSingleTcs
	}
	for _, cs := range t.controlSystems {
		return cs, nil
	}
	return nil, ErrNoSingleTcs
}

// ZonesOf returns every zone belonging to a control system, in the order
// the control system lists them.
func (t *tree) ZonesOf(cs *ControlSystem) []*Zone {
	out := make([]*Zone, 0, len(cs.ZoneIDs))
	for _, id := range cs.ZoneIDs {
		if z, ok := t.zones[id]; ok {
			out = append(out, z)
		}
	}
	return out
}

// HotWaterOf returns the DHW zone belonging to a control system, if any.
func (t *tree) HotWaterOf(cs *ControlSystem) (*HotWater, bool) {
	if cs.DhwID == "" {
		return nil, false
	}
	dhw, ok := t.hotWater[cs.DhwID]
	return dhw, ok
}
