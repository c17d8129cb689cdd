// Package monitor decides whether the device is alive.
//
// Every tick (15s by default) the monitor reads the heartbeat marker and
// the offline throttle flag:
//
//   - heartbeat present, flag set: send "back online" and clear the flag
//   - heartbeat absent, flag unset: send "device offline", record an
//     offline alert and raise the flag for an hour
//   - otherwise nothing happens
//
// The outcome is mirrored into the gRPC health service "device".
// Status is the on-demand query used by the HTTP API; it is the only
// writer of the dead marker.
package monitor
