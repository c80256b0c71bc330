// Package mqtt subscribes to the Home Assistant MQTT statestream and
// feeds whole capability snapshots to the registry. It is the push
// counterpart to the REST poller in internal/homeassistant: entity
// states arrive as they change instead of on an interval.
//
// The subscriber uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it re-subscribes to the statestream topic filter. A
// rate limiter drops floods (HA statestream bursts on restart) rather
// than backing up the broker connection.
package mqtt
