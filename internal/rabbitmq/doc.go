// Package rabbitmq holds the AMQP plumbing shared by the RabbitMQ transport
// and its health check:
//   - ConnectionManager: one connection with automatic reconnection and
//     state change notifications
//   - DeclareQueue / InspectQueue: queue topology for the create and
//     validate channel policies
package rabbitmq
