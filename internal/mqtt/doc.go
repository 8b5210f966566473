// Package mqtt forwards operational events from the event bus to an
// MQTT broker so dashboards and home automation can follow request
// activity without polling the HTTP API.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Each event is
// published as JSON to <prefix>/events/<source>/<kind>. A retained
// availability topic reports "online" on every (re-)connect and a will
// message flips it to "offline" on unexpected disconnects.
package mqtt
