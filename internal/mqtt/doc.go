// Package mqtt publishes insight results to Home Assistant through MQTT
// discovery. The service appears as a native HA device with four result
// sensors (insights, alerts, summary, raw response), a handful of
// diagnostic sensors, and a refresh button.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a birth
// message ("online") to the availability topic, the last known result,
// and subscribes to the button's command topic. A will message ensures
// the availability topic transitions to "offline" on unexpected
// disconnects.
package mqtt
