// Package alerts keeps the operator's alert history and the device
// heartbeat.
//
// Alerts are stored as alert:<kind>:<timestamp> with the value "no-ack" or
// "ack", where kind is motion (posted by the device) or offline (raised by
// the liveness monitor). The heartbeat lives under "heartbeat" with a 30s
// TTL; posting one also clears the "dead" marker.
package alerts
