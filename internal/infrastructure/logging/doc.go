// Package logging provides structured logging for TasmoLink using log/slog.
//
// All log output is structured (JSON in production, text for development)
// with consistent default fields across every component:
//
//   - service: Always "tasmolink"
//   - version: Application version
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("device discovered",
//	    "device_id", dev.ID,
//	    "topic", dev.Settings.MQTTTopic)
//
// Components should derive their own logger with component context:
//
//	bridgeLog := logger.With("component", "tasmota_bridge")
//
// # Log Levels
//
//   - debug: Verbose diagnostics (message routing, classification decisions)
//   - info: Normal operational events (device online, discovery complete)
//   - warn: Recoverable problems (answer deadline missed, reconnecting)
//   - error: Failures requiring attention (database errors, publish failures)
package logging
