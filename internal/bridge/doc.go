// Package bridge relays one upstream device link to many downstream clients.
//
// Ownership boundary:
// - Link: the device connection, its state machine and reconnect schedule
// - Registry: the set of connected clients and broadcast delivery
// - Bridge: the two pumps (device->clients, client->device) and the listener
//
// Frame parsing lives in internal/protocol/frame; the bridge only decides
// whether the codec is used (ModeFramed) or bytes pass through untouched
// (ModeTransparent). The mode applies to both directions.
package bridge
