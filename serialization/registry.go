package serialization

import (
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

// Registry maps request type names to translators. It implements
// messaging.MapperRegistry.
type Registry struct {
	translators map[string]messaging.Translator
	mu          sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{translators: make(map[string]messaging.Translator)}
}

// Register adds a translator for requestType
func (r *Registry) Register(requestType string, translator messaging.Translator) error {
	if requestType == "" {
		return contracts.NewConfigurationError("registry", "request type cannot be empty")
	}
	if translator == nil {
		return contracts.NewConfigurationError("registry", "translator for %s cannot be nil", requestType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.translators[requestType]; exists {
		return contracts.NewConfigurationError("registry", "request type %s already registered", requestType)
	}
	r.translators[requestType] = translator
	return nil
}

// Translator returns the translator for requestType
func (r *Registry) Translator(requestType string) (messaging.Translator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	translator, ok := r.translators[requestType]
	if !ok {
		return nil, contracts.NewConfigurationError("registry", "no translator registered for %s", requestType)
	}
	return translator, nil
}

// IsRegistered reports whether requestType has a translator
func (r *Registry) IsRegistered(requestType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.translators[requestType]
	return ok
}

// Types returns the registered request type names
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.translators))
	for name := range r.translators {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// RegisterJSON registers a JSON translator producing *R
func RegisterJSON[R any](r *Registry) error {
	return register[R](r, JSON)
}

// RegisterMsgpack registers a msgpack translator producing *R
func RegisterMsgpack[R any](r *Registry) error {
	return register[R](r, Msgpack)
}

// RegisterCloudEvent registers a translator for structured CloudEvents whose data decodes into *R
func RegisterCloudEvent[R any](r *Registry) error {
	return register[R](r, CloudEvent)
}

func register[R any](r *Registry, codec Codec) error {
	requestType := contracts.TypeNameOf[R]()
	if _, ok := any(new(R)).(contracts.Request); !ok {
		return contracts.NewConfigurationError("registry", "*%s does not implement contracts.Request", requestType)
	}
	return r.Register(requestType, NewTranslator[R](codec))
}

// NewTranslator returns a translator decoding message bodies into *R with codec
func NewTranslator[R any](codec Codec) messaging.Translator {
	requestType := contracts.TypeNameOf[R]()
	return messaging.TranslatorFunc(func(msg *contracts.Message) (contracts.Request, error) {
		target := new(R)
		if err := codec.Decode(msg.Body.Bytes, target); err != nil {
			return nil, &contracts.MappingError{RequestType: requestType, MessageID: msg.Header.ID, Err: err}
		}

		request, ok := any(target).(contracts.Request)
		if !ok {
			return nil, &contracts.MappingError{
				RequestType: requestType,
				MessageID:   msg.Header.ID,
				Err:         fmt.Errorf("%T is not a request", target),
			}
		}

		if c, ok := request.(correlated); ok && msg.Header.CorrelationID != "" {
			c.SetCorrelationID(msg.Header.CorrelationID)
		}
		return request, nil
	})
}

type correlated interface {
	SetCorrelationID(correlationID string)
}
