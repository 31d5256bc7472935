// Package ws provides WebSocket connection handling for per-user chat
// channels.
//
// The package implements:
//   - Client: owns one physical connection's send path and delivery cursor
//   - Handler: upgrades connections and runs handshake, replay and teardown
//   - Service: wires the registry, router and handler together
//
// Key behaviors:
//   - History replay: a reconnecting client drains the store from its cursor
//     before receiving live events, so no gap opens across a disconnect
//   - Replay gating: events published during the drain are queued behind it
//   - Heartbeat: ping/pong control frames with a bounded read deadline; a
//     missed heartbeat is handled like a closed connection
//   - Idempotent teardown: duplicate disconnect signals deregister once
package ws
