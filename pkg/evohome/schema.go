package evohome

import (
	"fmt"
	"regexp"
)

// Wire field names used across both the v0 and v2 JSON payloads. Named
// after what they hold, not after the schema modules they came from.
const (
	szSystemID     = "systemId"
	szZoneID       = "zoneId"
	szDhwID        = "dhwId"
	szGatewayID    = "gatewayId"
	szLocationID   = "locationId"
	szUserID       = "userId"
	szName         = "name"
	szTemperature  = "temperature"
	szHeatSetpoint = "heatSetpoint"
	szTimeOfDay    = "timeOfDay"
	szDayOfWeek    = "dayOfWeek"
	szSwitchpoints = "switchpoints"
	szDhwState     = "dhwState"
	szDailySched   = "dailySchedules"
)

// ZoneMode is the wire value of a zone's SetpointMode.
type ZoneMode string

// System and zone mode wire values, taken verbatim from the vendor API.
const (
	ModeFollowSchedule  ZoneMode = "FollowSchedule"
	ModePermanentOverr  ZoneMode = "PermanentOverride"
	ModeTemporaryOverr  ZoneMode = "TemporaryOverride"
	SystemModeAuto               = "Auto"
	SystemModeAutoWithEco        = "AutoWithEco"
	SystemModeAutoWithReset      = "AutoWithReset"
	SystemModeAway               = "Away"
	SystemModeCustom             = "Custom"
	SystemModeDayOff             = "DayOff"
	SystemModeHeatingOff         = "HeatingOff"
)

// DhwState is the wire value of a domestic hot water zone's on/off state.
//
// The upstream Python implementation this is derived from defines this
// enum backwards (DhwState.OFF == "On", DhwState.ON == "Off"); that is a
// bug in the source, not a wire requirement, so it is not reproduced here.
type DhwState string

const (
	DhwOn  DhwState = "On"
	DhwOff DhwState = "Off"
)

var idPattern = regexp.MustCompile(`^[0-9]+$`)

// validID reports whether id looks like one of the vendor's numeric
// resource identifiers.
func validID(id string) bool {
	return id != "" && idPattern.MatchString(id)
}

// minSetpoint and maxSetpoint bound a zone's heat setpoint, taken from the
// vendor's own validation range rather than any physical limit.
const (
	minSetpoint = 5.0
	maxSetpoint = 35.0
)

// validateSetpoint rejects a heat setpoint outside the vendor's accepted
// [5, 35] range before it is ever sent on the wire.
func validateSetpoint(temp float64) error {
	if temp < minSetpoint || temp > maxSetpoint {
		return fmt.Errorf("%w: heat setpoint %.1f outside [%.0f, %.0f]", ErrInvalidSchema, temp, minSetpoint, maxSetpoint)
	}
	return nil
}

// FaultType is the wire value of an active fault's type code.
type FaultType string

// Fault type codes, taken verbatim from the vendor API.
const (
	FaultTempZoneActuatorCommLost FaultType = "TempZoneActuatorCommunicationLost"
	FaultTempZoneActuatorLowBatt  FaultType = "TempZoneActuatorLowBattery"
	FaultTempZoneSensorCommLost   FaultType = "TempZoneSensorCommunicationLost"
	FaultTempZoneSensorLowBatt    FaultType = "TempZoneSensorLowBattery"
)

var validSystemModes = map[string]bool{
	SystemModeAuto:          true,
	SystemModeAutoWithEco:   true,
	SystemModeAutoWithReset: true,
	SystemModeAway:          true,
	SystemModeCustom:        true,
	SystemModeDayOff:        true,
	SystemModeHeatingOff:    true,
}

var validZoneModes = map[ZoneMode]bool{
	ModeFollowSchedule: true,
	ModePermanentOverr: true,
	ModeTemporaryOverr: true,
}

var validDhwStates = map[DhwState]bool{
	DhwOn:  true,
	DhwOff: true,
}

var validFaultTypes = map[FaultType]bool{
	FaultTempZoneActuatorCommLost: true,
	FaultTempZoneActuatorLowBatt:  true,
	FaultTempZoneSensorCommLost:   true,
	FaultTempZoneSensorLowBatt:    true,
}

func validateSystemMode(mode string) error {
	if !validSystemModes[mode] {
		return fmt.Errorf("%w: unknown system mode %q", ErrInvalidSchema, mode)
	}
	return nil
}

func validateZoneMode(mode string) error {
	if !validZoneModes[ZoneMode(mode)] {
		return fmt.Errorf("%w: unknown zone setpoint mode %q", ErrInvalidSchema, mode)
	}
	return nil
}

func validateDhwState(state string) error {
	if !validDhwStates[DhwState(state)] {
		return fmt.Errorf("%w: unknown DHW state %q", ErrInvalidSchema, state)
	}
	return nil
}

func validateFaultTypes(faults []activeFaultStatus) error {
	for _, f := range faults {
		if !validFaultTypes[FaultType(f.FaultType)] {
			return fmt.Errorf("%w: unknown fault type %q", ErrInvalidSchema, f.FaultType)
		}
	}
	return nil
}

// validateControlSystemStatus checks the required keys and enum fields of a
// TCS status payload: a valid system id, a known system mode, and known
// fault type codes. Zone/DHW children are validated separately by the
// caller as it walks them.
func validateControlSystemStatus(cs controlSystemStatus) error {
	if !validID(cs.SystemID) {
		return fmt.Errorf("%w: control system missing a valid systemId", ErrInvalidSchema)
	}
	if err := validateSystemMode(cs.SystemModeStatus.Mode); err != nil {
		return err
	}
	return validateFaultTypes(cs.ActiveFaults)
}

// validateZoneStatus checks a zone status payload's required keys, enum
// setpoint mode, and fault type codes.
func validateZoneStatus(z zoneStatus) error {
	if !validID(z.ZoneID) {
		return fmt.Errorf("%w: zone missing a valid zoneId", ErrInvalidSchema)
	}
	if err := validateSetpoint(z.SetpointStatus.TargetHeatTemperature); err != nil {
		return err
	}
	if err := validateZoneMode(z.SetpointStatus.SetpointMode); err != nil {
		return err
	}
	return validateFaultTypes(z.ActiveFaults)
}

// validateDhwStatus checks a DHW status payload's required keys, enum
// state/mode, and fault type codes.
func validateDhwStatus(d dhwStatus) error {
	if !validID(d.DhwID) {
		return fmt.Errorf("%w: dhw missing a valid dhwId", ErrInvalidSchema)
	}
	if err := validateDhwState(d.StateStatus.State); err != nil {
		return err
	}
	if err := validateZoneMode(d.StateStatus.Mode); err != nil {
		return err
	}
	return validateFaultTypes(d.ActiveFaults)
}

// validateUserAccount checks that the account record carries the one key
// the rest of the client depends on to look up an installation.
func validateUserAccount(a UserAccount) error {
	if !validID(a.UserID) {
		return fmt.Errorf("%w: user account missing a valid userId", ErrInvalidSchema)
	}
	return nil
}

// UserAccount is the obfuscation-eligible account record returned by the
// v2 user account endpoint.
type UserAccount struct {
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	Firstname     string `json:"firstname"`
	Lastname      string `json:"lastname"`
	StreetAddress string `json:"streetAddress"`
	City          string `json:"city"`
	Postcode      string `json:"postcode"`
	Country       string `json:"country"`
	Language      string `json:"language"`
}

var emailPattern = regexp.MustCompile(`^([a-zA-Z0-9_\-.]+)@([a-zA-Z0-9_\-.]+)\.([a-zA-Z]{2,5})$`)

// obfuscateString masks a free-text field the way the reference
// implementation does: emails become a fixed placeholder, everything else
// becomes a fixed-width placeholder.
func obfuscateString(s string) string {
	if emailPattern.MatchString(s) {
		return "nobody@nowhere.com"
	}
	return "********"
}

// Obfuscate returns a copy of a with every field but UserID, Firstname,
// Country and Language masked. UserID is left intact because callers key
// lookups on it; Firstname/Country/Language are not considered sensitive
// by the vendor's own schema (only Lastname is masked, asymmetrically).
func (a UserAccount) Obfuscate() UserAccount {
	a.Username = obfuscateString(a.Username)
	a.Lastname = obfuscateString(a.Lastname)
	a.StreetAddress = obfuscateString(a.StreetAddress)
	a.City = obfuscateString(a.City)
	a.Postcode = obfuscateString(a.Postcode)
	return a
}
