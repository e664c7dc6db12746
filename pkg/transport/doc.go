// Package transport defines the radio link a device talks through and
// provides implementations behind it:
//
// - mem: an in-process shared medium with loss, duplication and partitions,
//   used by tests and the fleet simulator
// - udp: a LAN broadcast link for running devices as host processes
// - mqtt: a broker-bridged link for gateways that sit on an MQTT backbone
//
// Links are best-effort. Frames may be dropped, duplicated or reordered and
// callers never wait for delivery.
package transport
