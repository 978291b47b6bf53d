package taskmesh

import (
	"fmt"
	"time"
)

// DeviceType classifies a device by what it fundamentally is.
type DeviceType string

const (
	DeviceTypeSensor   DeviceType = "sensor"
	DeviceTypeActuator DeviceType = "actuator"
	DeviceTypeCompute  DeviceType = "compute"
	DeviceTypeMobile   DeviceType = "mobile"
	DeviceTypeDesktop  DeviceType = "desktop"
	DeviceTypeCloud    DeviceType = "cloud"

	// DeviceTypeAuto is a task target, not a device type: it lets the
	// dispatcher pick the best device type for the action.
	DeviceTypeAuto DeviceType = "auto"
)

// ValidDeviceType reports whether t names a registrable device type.
func ValidDeviceType(t DeviceType) bool {
	switch t {
	case DeviceTypeSensor, DeviceTypeActuator, DeviceTypeCompute,
		DeviceTypeMobile, DeviceTypeDesktop, DeviceTypeCloud:
		return true
	}
	return false
}

// DeviceState represents the operational state of a device.
type DeviceState string

const (
	DeviceIdle    DeviceState = "idle"
	DeviceBusy    DeviceState = "busy"
	DeviceOffline DeviceState = "offline"
	DeviceError   DeviceState = "error"
)

// Capability is a named, versioned feature a device exposes, used to match
// tasks to eligible devices.
type Capability struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// ResourceConstraints bounds what the coordinator may ask of a device.
type ResourceConstraints struct {
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
	MaxCPUPercent      float64 `json:"max_cpu_percent,omitempty"`
	MaxMemoryMB        int64   `json:"max_memory_mb,omitempty"`
}

// Device is a registered client device. All mutation goes through the
// DeviceRegistry, which serializes access; Device itself carries no lock.
type Device struct {
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	Type          DeviceType          `json:"type"`
	Capabilities  []Capability        `json:"capabilities,omitempty"`
	Constraints   ResourceConstraints `json:"constraints"`
	State         DeviceState         `json:"state"`
	AssignedTasks []string            `json:"assigned_tasks,omitempty"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`

	// ReportedState and ReportedLoad mirror the device's last self-report
	// from a heartbeat. Display only; scheduling reads State and
	// AssignedTasks.
	ReportedState DeviceState `json:"reported_state,omitempty"`
	ReportedLoad  int         `json:"reported_load,omitempty"`

	RegisteredAt  time.Time           `json:"registered_at"`
	Metadata      map[string]string   `json:"metadata,omitempty"`

	Clock *VectorClock `json:"clock,omitempty"`

	capIndex map[string]int
}

// NewDevice creates a device in the idle state with a fresh vector clock.
func NewDevice(id string, typ DeviceType, caps []Capability, constraints ResourceConstraints) (*Device, error) {
	if id == "" {
		return nil, fmt.Errorf("device: id is required")
	}
	if !ValidDeviceType(typ) {
		return nil, fmt.Errorf("device: invalid type %q", typ)
	}
	if constraints.MaxConcurrentTasks <= 0 {
		constraints.MaxConcurrentTasks = 1
	}

	d := &Device{
		ID:            id,
		Type:          typ,
		Capabilities:  caps,
		Constraints:   constraints,
		State:         DeviceIdle,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
		Clock:         NewVectorClock(id),
	}
	d.rebuildCapIndex()
	return d, nil
}

func (d *Device) rebuildCapIndex() {
	d.capIndex = make(map[string]int, len(d.Capabilities))
	for i, c := range d.Capabilities {
		d.capIndex[c.Name] = i
	}
}

// HasCapability reports whether the device advertises the named capability.
func (d *Device) HasCapability(name string) bool {
	if d.capIndex == nil {
		d.rebuildCapIndex()
	}
	_, ok := d.capIndex[name]
	return ok
}

// Capability returns the named capability descriptor.
func (d *Device) Capability(name string) (Capability, bool) {
	if d.capIndex == nil {
		d.rebuildCapIndex()
	}
	i, ok := d.capIndex[name]
	if !ok {
		return Capability{}, false
	}
	return d.Capabilities[i], true
}

// HasAllCapabilities reports whether the device advertises every named capability.
func (d *Device) HasAllCapabilities(names []string) bool {
	for _, n := range names {
		if !d.HasCapability(n) {
			return false
		}
	}
	return true
}

// CanAcceptTask reports whether the device can take one more task right now.
func (d *Device) CanAcceptTask() bool {
	return d.State == DeviceIdle && len(d.AssignedTasks) < d.Constraints.MaxConcurrentTasks
}

// Load returns the number of tasks currently assigned.
func (d *Device) Load() int {
	return len(d.AssignedTasks)
}

// UpdateHeartbeat records a heartbeat. An offline device is revived to idle;
// a heartbeat on any other state leaves the state untouched.
func (d *Device) UpdateHeartbeat(now time.Time) {
	d.LastHeartbeat = now
	if d.State == DeviceOffline {
		d.State = DeviceIdle
	}
}

// assignTask appends a task id, enforcing the capacity invariant.
func (d *Device) assignTask(taskID string) error {
	if len(d.AssignedTasks) >= d.Constraints.MaxConcurrentTasks {
		return fmt.Errorf("device %s at capacity (%d)", d.ID, d.Constraints.MaxConcurrentTasks)
	}
	d.AssignedTasks = append(d.AssignedTasks, taskID)
	d.State = DeviceBusy
	return nil
}

// unassignTask removes a task id and settles the state from the remaining load.
func (d *Device) unassignTask(taskID string) {
	for i, id := range d.AssignedTasks {
		if id == taskID {
			d.AssignedTasks = append(d.AssignedTasks[:i], d.AssignedTasks[i+1:]...)
			break
		}
	}
	if d.State == DeviceBusy && len(d.AssignedTasks) < d.Constraints.MaxConcurrentTasks {
		d.State = DeviceIdle
	}
}

// snapshot returns a value copy safe to hand outside the registry lock.
func (d *Device) snapshot() Device {
	cp := *d
	cp.Capabilities = append([]Capability(nil), d.Capabilities...)
	cp.AssignedTasks = append([]string(nil), d.AssignedTasks...)
	if d.Clock != nil {
		cp.Clock = d.Clock.Clone()
	}
	cp.capIndex = nil
	if d.Metadata != nil {
		cp.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
