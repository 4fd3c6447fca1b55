// Package server is the WebSocket transport of the relay.
//
// Each connection gets a Client with a read pump and a write pump, and a
// session that binds it to a user. Inbound frames are JSON envelopes
// {"type": ..., "data": ...}. "register" and "unregister" drive the session;
// every other type is decoded into a domain command and handed to the fan-out
// engine. Failures are reported back to the originating connection as an
// "error" event.
package server
