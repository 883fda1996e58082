// Package serialization maps message bodies to typed requests.
//
// A Registry holds one translator per request type name and is what a
// messaging.Dispatcher consults for each connection. Request type names are
// the struct names of the request types, so a registration and a processor
// handler for the same type agree without further configuration:
//
//	registry := serialization.NewRegistry()
//	serialization.RegisterJSON[PlaceOrder](registry)
//	serialization.RegisterCloudEvent[OrderPlaced](registry)
//
// Bodies can be JSON, msgpack or structured CloudEvents.
package serialization
