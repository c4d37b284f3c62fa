// Package app wires the kiosk process together and owns its lifecycle.
//
// # Initialization Flow
//
//  1. Load configuration from .env, the environment and the YAML file
//  2. Initialize logging and OpenTelemetry
//  3. Open the local SQLite store, falling back to degraded mode
//  4. Build identity, ledger, cycle controller, sync queue and kiosk service
//  5. Register optional components (MQTT bridge, Redis and Sheets sinks)
//  6. Set up the chi router and the HTTP server
//
// Optional components are kept in a Registry keyed by type, so shutdown
// and diagnostics only touch what was actually built.
//
// # Graceful Shutdown
//
// Run serves until SIGINT, SIGTERM or context cancellation, then stops the
// HTTP server, the background timers and the external connections in
// reverse dependency order.
package app
