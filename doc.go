// The smarthome automation core
//
// Features
//
// - Threshold automation rules: when a sensor reading satisfies a condition,
// drive an equipment to a target state
//
// - Presence detection derived from simulated user positions on a house floor plan
//
// - Realtime websocket broadcast of every state change
//
// - MQTT mirror of state changes, and sensor readings ingested from MQTT
//
// - Per-house event history with automatic retention
//
// - Permissions from house membership: owner, administrator, occupant
//
// Services supported
//
// - REST API and websocket (api)
//
// - Periodic rule evaluation (automation)
//
// - MQTT sensor ingestion (ingest)
//
// Storage
//
// - PostgreSQL
//
// - In-memory (tests and demo)
//
// Metrics are exported for Prometheus on /metrics.
package smarthome
