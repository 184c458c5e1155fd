package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/botts7/visual-mapper-addon-sub002/adb"
	"github.com/botts7/visual-mapper-addon-sub002/api"
	"github.com/botts7/visual-mapper-addon-sub002/config"
	"github.com/botts7/visual-mapper-addon-sub002/service"
)

// setupLogging creates a log file in the log directory with timestamp
// Returns the log file handle (caller should defer Close())
func setupLogging() (*os.File, error) {
	logDir := "log"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// log/2026-08-30_21-52-35.log
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Write to both console and file
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multiWriter)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("📝 Logging to: %s", logPath)
	return logFile, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		log.Printf("Warning: Failed to setup file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting Screen Streaming Backend...")

	db, err := config.InitDatabase()
	if err != nil {
		log.Printf("Warning: Running without device persistence: %v", err)
		db = nil
	}

	// Construct the streaming core. The registry and hub are process-scoped
	// objects handed to everything that needs them.
	adbClient := adb.NewADBClient()
	deviceManager := service.NewDeviceManager(db, adbClient)
	registry := service.NewStreamRegistry()
	transcoder := service.NewTranscoder()
	hub := service.NewCaptureHub(transcoder, registry)
	captures := service.NewCaptureService(deviceManager, hub, registry)
	log.Println("Streaming core initialized")

	router := gin.Default()
	api.SetupRoutes(router, deviceManager, registry, hub, captures)

	addr := ":" + getEnv("PORT", "8080")
	log.Printf("Server starting on http://localhost%s", addr)
	log.Printf("Viewer WebSocket on ws://localhost%s/ws/view/:device_id", addr)
	log.Printf("Companion WebSocket on ws://localhost%s/ws/companion/:device_id", addr)

	// Scan devices and start poll loops for online ones in the background.
	// Devices that register a companion stream later take over from their
	// poll loop at connect time.
	go func() {
		log.Println("🚀 Scanning devices for auto-capture...")
		if err := deviceManager.ScanDevices(); err != nil {
			log.Printf("Warning: Failed to scan devices: %v", err)
			return
		}

		preset := service.PresetByName(getEnv("CAPTURE_QUALITY", "medium"))
		for _, device := range deviceManager.GetAllDevices() {
			if device.Status != "online" {
				continue
			}
			if err := captures.StartCapture(device.ID, preset); err != nil {
				log.Printf("⚠️ Failed to start capture for %s: %v", device.ID, err)
			}
		}
	}()

	if err := router.Run(addr); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
