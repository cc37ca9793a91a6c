// Package domain provides core domain implementations.
package domain

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeviceInfo contains information about a configured device and its latest reading.
type DeviceInfo struct {
	Name        string
	Address     string
	Kind        DeviceKind
	LastContact time.Time
	Frames      int64
	Latest      *Reading
}

// DeviceRegistry keeps track of configured devices and their latest readings.
type DeviceRegistry struct {
	devices   map[string]*DeviceInfo
	byAddress map[string]string
	mutex     sync.RWMutex
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices:   make(map[string]*DeviceInfo),
		byAddress: make(map[string]string),
	}
}

// RegisterDevice adds or updates a device in the registry.
func (r *DeviceRegistry) RegisterDevice(dev Device) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if name, exists := r.byAddress[dev.Address]; exists && name != dev.Name {
		return fmt.Errorf("address %s already registered for device %s", dev.Address, name)
	}

	info, exists := r.devices[dev.Name]
	if !exists {
		info = &DeviceInfo{Name: dev.Name}
		r.devices[dev.Name] = info
	} else if info.Address != dev.Address {
		delete(r.byAddress, info.Address)
	}

	info.Address = dev.Address
	info.Kind = dev.Kind
	r.byAddress[dev.Address] = dev.Name

	return nil
}

// RecordReading stores a reading as the latest one for its device.
func (r *DeviceRegistry) RecordReading(reading *Reading) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	info, exists := r.devices[reading.Device]
	if !exists {
		return fmt.Errorf("device %s not found", reading.Device)
	}

	info.LastContact = reading.Timestamp
	info.Frames++
	info.Latest = reading

	return nil
}

// GetDevice retrieves a copy of the information about a device.
func (r *DeviceRegistry) GetDevice(name string) (*DeviceInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	info, exists := r.devices[name]
	if !exists {
		return nil, false
	}

	snapshot := *info
	return &snapshot, true
}

// GetAllDevices returns copies of all devices sorted by name.
func (r *DeviceRegistry) GetAllDevices() []*DeviceInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]*DeviceInfo, 0, len(r.devices))
	for _, info := range r.devices {
		snapshot := *info
		devices = append(devices, &snapshot)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices
}
