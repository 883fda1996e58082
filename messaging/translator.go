package messaging

import (
	"context"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Translator turns a wire message into a typed request
type Translator interface {
	Translate(msg *contracts.Message) (contracts.Request, error)
}

// TranslatorFunc is a function adapter for Translator
type TranslatorFunc func(msg *contracts.Message) (contracts.Request, error)

// Translate implements Translator
func (f TranslatorFunc) Translate(msg *contracts.Message) (contracts.Request, error) {
	return f(msg)
}

// MapperRegistry resolves the translator for a request type name
type MapperRegistry interface {
	Translator(requestType string) (Translator, error)
}

// CommandProcessor receives the typed requests a pump produced.
// Send delivers a command to exactly one handler, Publish an event to all of them.
type CommandProcessor interface {
	Send(ctx context.Context, request contracts.Request) error
	Publish(ctx context.Context, request contracts.Request) error
}
