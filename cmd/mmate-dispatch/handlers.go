package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/processor"
	"github.com/glimte/mmate-dispatch/serialization"
)

// Ping is a smoke-test command a host can always dispatch
type Ping struct {
	contracts.BaseCommand
	From string `json:"from"`
}

// Heartbeat is published by services that announce themselves
type Heartbeat struct {
	contracts.BaseEvent
	Service string    `json:"service"`
	SentAt  time.Time `json:"sentAt"`
}

func registerBuiltins(registry *serialization.Registry, proc *processor.CommandProcessor, logger *slog.Logger) error {
	if err := serialization.RegisterJSON[Ping](registry); err != nil {
		return err
	}
	if err := serialization.RegisterJSON[Heartbeat](registry); err != nil {
		return err
	}

	if err := processor.Handle(proc, func(_ context.Context, ping *Ping) error {
		logger.Info("pong", "from", ping.From, "messageId", ping.GetID())
		return nil
	}); err != nil {
		return err
	}
	return processor.Handle(proc, func(_ context.Context, beat *Heartbeat) error {
		logger.Info("heartbeat",
			"service", beat.Service,
			"lag", time.Since(beat.SentAt).Round(time.Millisecond).String())
		return nil
	})
}
