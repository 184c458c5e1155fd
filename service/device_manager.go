package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/botts7/visual-mapper-addon-sub002/adb"
	"github.com/botts7/visual-mapper-addon-sub002/models"
)

// DeviceManager tracks known devices: ADB scan results cached in memory and
// mirrored into sqlite so device identity survives restarts. It is also the
// ScreenshotProvider for the capture loops.
type DeviceManager struct {
	adb     *adb.ADBClient
	devices map[string]*models.Device
	mu      sync.RWMutex
	db      *sql.DB
}

// NewDeviceManager creates the manager and loads persisted devices (as
// offline until a scan sees them again). db may be nil for tests.
func NewDeviceManager(db *sql.DB, client *adb.ADBClient) *DeviceManager {
	m := &DeviceManager{
		adb:     client,
		devices: make(map[string]*models.Device),
		db:      db,
	}
	if db != nil {
		if err := m.loadDevices(); err != nil {
			log.Printf("⚠️ Failed to load persisted devices: %v", err)
		}
	}
	return m
}

// ScanDevices refreshes the device list from ADB. Devices that disappeared
// since the last scan are kept but marked offline.
func (m *DeviceManager) ScanDevices() error {
	found, err := m.adb.ListDevices()
	if err != nil {
		return fmt.Errorf("device scan failed: %w", err)
	}

	dirty := make([]models.Device, 0, len(found))

	m.mu.Lock()
	seen := make(map[string]bool, len(found))
	for i := range found {
		device := found[i]
		device.LastSeen = time.Now().Unix()
		seen[device.ID] = true
		m.devices[device.ID] = &device
		dirty = append(dirty, device)
	}
	for id, device := range m.devices {
		if !seen[id] && device.Status != "offline" {
			device.Status = "offline"
			dirty = append(dirty, *device)
		}
	}
	known := len(m.devices)
	m.mu.Unlock()

	// Persist outside the lock; sqlite writes must not stall device reads.
	for i := range dirty {
		if err := m.persistDevice(&dirty[i]); err != nil {
			log.Printf("⚠️ [%s] Failed to persist device: %v", dirty[i].ID, err)
		}
	}

	log.Printf("📱 Device scan complete: %d online, %d known", len(found), known)
	return nil
}

// GetAllDevices returns snapshots of all known devices. Handlers serialize
// the results outside the manager's lock, so callers get copies, never the
// live map entries a concurrent scan may be mutating.
func (m *DeviceManager) GetAllDevices() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]models.Device, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, *device)
	}
	return devices
}

// GetDevice returns a snapshot of a single device by ID, or nil.
func (m *DeviceManager) GetDevice(id string) *models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.devices[id]
	if !ok {
		return nil
	}
	snapshot := *device
	return &snapshot
}

// Screenshot implements ScreenshotProvider: resolve the logical device to
// its ADB serial and pull one PNG frame.
func (m *DeviceManager) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	device := m.GetDevice(deviceID)
	if device == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return m.adb.ScreenCapture(ctx, device.ADBDeviceID)
}

func (m *DeviceManager) persistDevice(device *models.Device) error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.Exec(`
		INSERT INTO devices (id, name, adb_device_id, status, resolution, battery, android_version, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			adb_device_id = excluded.adb_device_id,
			status = excluded.status,
			resolution = excluded.resolution,
			battery = excluded.battery,
			android_version = excluded.android_version,
			last_seen = excluded.last_seen`,
		device.ID, device.Name, device.ADBDeviceID, device.Status,
		device.Resolution, device.Battery, device.AndroidVersion, device.LastSeen)
	return err
}

func (m *DeviceManager) loadDevices() error {
	rows, err := m.db.Query(`
		SELECT id, name, adb_device_id, status, resolution, battery, android_version, last_seen
		FROM devices`)
	if err != nil {
		return err
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for rows.Next() {
		device := &models.Device{}
		if err := rows.Scan(&device.ID, &device.Name, &device.ADBDeviceID, &device.Status,
			&device.Resolution, &device.Battery, &device.AndroidVersion, &device.LastSeen); err != nil {
			return err
		}
		// Connectivity is unknown until the next scan.
		device.Status = "offline"
		m.devices[device.ID] = device
		count++
	}
	if count > 0 {
		log.Printf("💾 Loaded %d persisted devices", count)
	}
	return rows.Err()
}
