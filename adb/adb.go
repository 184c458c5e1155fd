package adb

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/botts7/visual-mapper-addon-sub002/models"
)

// ADBClient wraps ADB command execution
type ADBClient struct {
	ADBPath string
}

// NewADBClient creates a new ADB client. Path comes from ADB_PATH,
// defaulting to "adb" in PATH.
func NewADBClient() *ADBClient {
	return &ADBClient{
		ADBPath: getEnv("ADB_PATH", "adb"),
	}
}

// ListDevices returns a list of connected Android devices
// If the same physical device is connected via both USB and WiFi, WiFi is preferred
func (c *ADBClient) ListDevices() ([]models.Device, error) {
	cmd := exec.Command(c.ADBPath, "devices", "-l")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices, err := c.parseDeviceList(string(output))
	if err != nil {
		return nil, err
	}

	return c.deduplicateDevices(devices), nil
}

// getSerialNumber gets the hardware serial number of the device
func (c *ADBClient) getSerialNumber(adbDeviceID string) string {
	output, err := c.getProperty(adbDeviceID, "ro.serialno")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(output)
}

// isWiFiConnection checks if the device ID is a WiFi connection (IP:port format)
func isWiFiConnection(adbDeviceID string) bool {
	return strings.Contains(adbDeviceID, ":")
}

// deduplicateDevices removes duplicate entries when same device is connected via USB and WiFi
// WiFi connections are preferred over USB
func (c *ADBClient) deduplicateDevices(devices []models.Device) []models.Device {
	serialToDevice := make(map[string]models.Device)

	for i := range devices {
		hwSerial := c.getSerialNumber(devices[i].ADBDeviceID)
		if hwSerial == "" {
			// Can't get serial, keep device as-is using ADB ID as key
			hwSerial = devices[i].ADBDeviceID
		}
		devices[i].HardwareSerial = hwSerial

		existing, exists := serialToDevice[hwSerial]
		if !exists {
			serialToDevice[hwSerial] = devices[i]
			continue
		}
		if isWiFiConnection(devices[i].ADBDeviceID) && !isWiFiConnection(existing.ADBDeviceID) {
			serialToDevice[hwSerial] = devices[i]
		}
	}

	result := make([]models.Device, 0, len(serialToDevice))
	for _, device := range serialToDevice {
		result = append(result, device)
	}

	if len(result) != len(devices) {
		log.Printf("📊 Dedup: %d devices (from %d raw)", len(result), len(devices))
	}
	return result
}

// parseDeviceList parses the output of 'adb devices -l'
func (c *ADBClient) parseDeviceList(output string) ([]models.Device, error) {
	var devices []models.Device
	lines := strings.Split(output, "\n")

	for i, line := range lines {
		// Skip header line and empty lines
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}

		// Expected format: <serial> <state> [device info]
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		serial := parts[0]
		state := parts[1]

		// Only include devices that are online
		if state != "device" {
			log.Printf("⚠️ Skipping device %s because state is %s", serial, state)
			continue
		}

		device := models.Device{
			ID:          fmt.Sprintf("device_%s", serial),
			ADBDeviceID: serial,
			Name:        serial, // Will be updated with model name
			Status:      "online",
		}

		for _, part := range parts[2:] {
			if strings.HasPrefix(part, "model:") {
				device.Name = strings.TrimPrefix(part, "model:")
				device.Name = strings.ReplaceAll(device.Name, "_", " ")
			}
		}

		if err := c.enrichDeviceInfo(&device); err != nil {
			// Log error but don't fail
			log.Printf("⚠️ Failed to get full info for %s: %v", serial, err)
		}

		devices = append(devices, device)
	}

	return devices, nil
}

// enrichDeviceInfo gets additional device properties via shell commands
func (c *ADBClient) enrichDeviceInfo(device *models.Device) error {
	if version, err := c.getProperty(device.ADBDeviceID, "ro.build.version.release"); err == nil {
		device.AndroidVersion = strings.TrimSpace(version)
	}

	if resolution, err := c.getScreenResolution(device.ADBDeviceID); err == nil {
		device.Resolution = resolution
	}

	if battery, err := c.getBatteryLevel(device.ADBDeviceID); err == nil {
		device.Battery = battery
	}

	return nil
}

// getProperty gets a system property from the device
func (c *ADBClient) getProperty(deviceID, property string) (string, error) {
	cmd := exec.Command(c.ADBPath, "-s", deviceID, "shell", "getprop", property)
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// getScreenResolution gets the device screen resolution
// Prioritizes "Override size" if set, otherwise uses "Physical size"
func (c *ADBClient) getScreenResolution(deviceID string) (string, error) {
	cmd := exec.Command(c.ADBPath, "-s", deviceID, "shell", "wm", "size")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}

	var physicalSize string
	var overrideSize string

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "Physical size:") {
			parts := strings.Split(line, ":")
			if len(parts) >= 2 {
				physicalSize = strings.TrimSpace(parts[1])
			}
		}
		if strings.Contains(line, "Override size:") {
			parts := strings.Split(line, ":")
			if len(parts) >= 2 {
				overrideSize = strings.TrimSpace(parts[1])
			}
		}
	}

	// Override size is what is actually displayed when set
	if overrideSize != "" {
		return overrideSize, nil
	}
	if physicalSize != "" {
		return physicalSize, nil
	}

	return "unknown", nil
}

// getBatteryLevel gets the device battery level (0-100)
func (c *ADBClient) getBatteryLevel(deviceID string) (int, error) {
	cmd := exec.Command(c.ADBPath, "-s", deviceID, "shell", "dumpsys", "battery")
	output, err := cmd.Output()
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "level:") {
			parts := strings.Split(line, ":")
			if len(parts) >= 2 {
				var level int
				fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &level)
				return level, nil
			}
		}
	}

	return 0, fmt.Errorf("battery level not found")
}

// ScreenCapture captures the device screen and returns PNG bytes.
// The context bounds the screencap call; a cancelled context kills the
// adb process.
func (c *ADBClient) ScreenCapture(ctx context.Context, deviceID string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.ADBPath, "-s", deviceID, "exec-out", "screencap", "-p")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("screencap failed: %w, stderr: %s", err, stderr.String())
	}

	return stdout.Bytes(), nil
}

// getEnv gets environment variable with fallback default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
