// Package contracts provides the core message types and interfaces for the mmate dispatch engine.
//
// This package defines the contracts shared by channels, pumps and command processors:
//   - Message: the wire-level envelope (header and body) produced by a channel
//   - MessageType: the tagged variant deciding how a message is dispatched
//   - Request: base interface for typed in-process requests
//   - Command: a request handled by exactly one handler
//   - Event: a request broadcast to zero or more handlers
//
// It also defines the error taxonomy the message pump uses to decide between
// acknowledging, requeueing and retrying a message.
package contracts
