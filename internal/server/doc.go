// Package server implements the HTTP and WebSocket surface of the PIN chat
// relay.
//
// Each websocket connection becomes a Client. The Hub admits clients into
// the room registry, one live connection per client identity, and runs their
// read and write pumps. Inbound frames are JSON envelopes routed by the
// Dispatcher to the create_room, join_room and send_message handlers;
// replies and room broadcasts flow back through each client's buffered send
// channel.
//
// The package is organized into specialized files for configuration, hub
// management, clients, dispatch, routing and HTTP handlers.
package server
