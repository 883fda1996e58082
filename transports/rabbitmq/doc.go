// Package rabbitmq implements messaging.ChannelFactory over RabbitMQ.
//
// Every channel owns one AMQP channel consuming a single queue with a
// prefetch of one, so a pump never holds more than the message it is working
// on. Requeue republishes the message with its handled count in the
// x-handled-count header and acknowledges the original delivery; when a delay
// is requested the x-delay header is set for the delayed-message exchange
// plugin.
//
//	manager := amqpconn.NewConnectionManager(url)
//	if err := manager.Connect(ctx); err != nil {
//		return err
//	}
//	factory := rabbitmq.NewChannelFactory(manager, rabbitmq.WithExchange("mmate.commands", "topic"))
//	dispatcher, err := messaging.NewDispatcher(factory, registry, processor, connections)
package rabbitmq
