package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botts7/visual-mapper-addon-sub002/models"
	"github.com/botts7/visual-mapper-addon-sub002/service"
)

// GetDevices returns all known devices
func GetDevices(c *gin.Context, dm *service.DeviceManager) {
	devices := dm.GetAllDevices()
	c.JSON(http.StatusOK, models.SuccessResponse(devices))
}

// ScanDevices scans for new devices
func ScanDevices(c *gin.Context, dm *service.DeviceManager) {
	if err := dm.ScanDevices(); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	devices := dm.GetAllDevices()
	c.JSON(http.StatusOK, models.SuccessResponse(devices))
}

// GetStreamingStatus returns companion and poll-loop status for all devices
func GetStreamingStatus(c *gin.Context, registry *service.StreamRegistry, captures *service.CaptureService) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"active_devices": registry.GetActiveDevices(),
		"companion":      registry.GetAllStats(),
		"polling":        captures.CapturingDevices(),
	}))
}

// GetStreamStats returns one device's companion stats plus per-viewer
// delivery counters (monitoring only)
func GetStreamStats(c *gin.Context, registry *service.StreamRegistry, hub *service.CaptureHub) {
	deviceID := c.Param("device_id")

	stats, ok := registry.GetStats(deviceID)
	viewers := hub.Viewers(deviceID)
	if !ok && len(viewers) == 0 {
		c.JSON(http.StatusNotFound, models.ErrorResponse("no stream stats for device: "+deviceID))
		return
	}

	resp := gin.H{
		"streaming": registry.IsStreaming(deviceID),
		"viewers":   viewers,
	}
	if ok {
		resp["companion"] = stats
	}
	c.JSON(http.StatusOK, models.SuccessResponse(resp))
}

// StartCapture starts the ADB poll loop for a device
func StartCapture(c *gin.Context, dm *service.DeviceManager, captures *service.CaptureService) {
	deviceID := c.Param("device_id")

	device := dm.GetDevice(deviceID)
	if device == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not found: "+deviceID))
		return
	}
	if device.Status != "online" {
		c.JSON(http.StatusConflict, models.ErrorResponse("device offline: "+deviceID))
		return
	}

	preset := service.PresetByName(c.Query("quality"))
	if err := captures.StartCapture(deviceID, preset); err != nil {
		c.JSON(http.StatusConflict, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("Capture started for device "+deviceID))
}

// StopCapture stops the ADB poll loop for a device
func StopCapture(c *gin.Context, captures *service.CaptureService) {
	deviceID := c.Param("device_id")
	captures.StopCapture(deviceID)
	c.JSON(http.StatusOK, models.MessageResponse("Capture stopped for device "+deviceID))
}

// GetPresets lists the quality presets viewers can request
func GetPresets(c *gin.Context) {
	presets := make([]service.QualityPreset, 0, len(service.PresetNames()))
	for _, name := range service.PresetNames() {
		presets = append(presets, service.PresetByName(name))
	}
	c.JSON(http.StatusOK, models.SuccessResponse(presets))
}
