package taskmesh

import (
	"testing"
	"time"
)

func TestNewDevice_Defaults(t *testing.T) {
	d, err := NewDevice("phone-1", DeviceTypeMobile, []Capability{{Name: "camera"}}, ResourceConstraints{})
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	if d.State != DeviceIdle {
		t.Errorf("State = %v, want %v", d.State, DeviceIdle)
	}
	if d.Constraints.MaxConcurrentTasks != 1 {
		t.Errorf("MaxConcurrentTasks = %d, want 1", d.Constraints.MaxConcurrentTasks)
	}
	if d.Clock == nil || d.Clock.Owner() != "phone-1" {
		t.Errorf("device clock not initialized for owner")
	}
}

func TestNewDevice_InvalidType(t *testing.T) {
	if _, err := NewDevice("x", DeviceType("toaster"), nil, ResourceConstraints{}); err == nil {
		t.Fatal("NewDevice() with invalid type should fail")
	}
	if _, err := NewDevice("x", DeviceTypeAuto, nil, ResourceConstraints{}); err == nil {
		t.Fatal("NewDevice() with auto type should fail; auto is a task target")
	}
}

func TestDevice_Capabilities(t *testing.T) {
	d, err := NewDevice("d1", DeviceTypeDesktop, []Capability{
		{Name: "shell", Version: "1.0"},
		{Name: "file.read"},
	}, ResourceConstraints{})
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}

	if !d.HasCapability("shell") {
		t.Error("HasCapability(shell) = false, want true")
	}
	if d.HasCapability("camera") {
		t.Error("HasCapability(camera) = true, want false")
	}
	if !d.HasAllCapabilities([]string{"shell", "file.read"}) {
		t.Error("HasAllCapabilities() = false, want true")
	}
	if d.HasAllCapabilities([]string{"shell", "camera"}) {
		t.Error("HasAllCapabilities() with missing capability = true, want false")
	}

	cap, ok := d.Capability("shell")
	if !ok || cap.Version != "1.0" {
		t.Errorf("Capability(shell) = %+v, %v", cap, ok)
	}
}

func TestDevice_CapacityInvariant(t *testing.T) {
	d, _ := NewDevice("d1", DeviceTypeCompute, nil, ResourceConstraints{MaxConcurrentTasks: 2})

	if err := d.assignTask("t1"); err != nil {
		t.Fatalf("assignTask(t1) error = %v", err)
	}
	if d.State != DeviceBusy {
		t.Errorf("State after assign = %v, want %v", d.State, DeviceBusy)
	}
	if err := d.assignTask("t2"); err != nil {
		t.Fatalf("assignTask(t2) error = %v", err)
	}
	if err := d.assignTask("t3"); err == nil {
		t.Fatal("assignTask beyond capacity should fail")
	}
	if got := d.Load(); got != 2 {
		t.Errorf("Load() = %d, want 2", got)
	}

	d.unassignTask("t1")
	if d.State != DeviceIdle {
		t.Errorf("State after release below capacity = %v, want %v", d.State, DeviceIdle)
	}
}

func TestDevice_HeartbeatRevivesOffline(t *testing.T) {
	d, _ := NewDevice("d1", DeviceTypeSensor, nil, ResourceConstraints{})
	d.State = DeviceOffline

	d.UpdateHeartbeat(time.Now())
	if d.State != DeviceIdle {
		t.Errorf("State after heartbeat = %v, want %v", d.State, DeviceIdle)
	}

	d.State = DeviceBusy
	d.UpdateHeartbeat(time.Now())
	if d.State != DeviceBusy {
		t.Errorf("heartbeat changed busy state to %v, want %v", d.State, DeviceBusy)
	}
}

func TestDevice_CanAcceptTask(t *testing.T) {
	d, _ := NewDevice("d1", DeviceTypeCompute, nil, ResourceConstraints{MaxConcurrentTasks: 1})
	if !d.CanAcceptTask() {
		t.Error("fresh idle device should accept tasks")
	}
	_ = d.assignTask("t1")
	if d.CanAcceptTask() {
		t.Error("device at capacity should not accept tasks")
	}
	d.State = DeviceOffline
	d.AssignedTasks = nil
	if d.CanAcceptTask() {
		t.Error("offline device should not accept tasks")
	}
}
