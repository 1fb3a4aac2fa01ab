package trader

import "estrader/internal/logger"

// HandlerRegistry dispatches intents to their handlers.
type HandlerRegistry struct {
	handlers map[IntentKind]IntentHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[IntentKind]IntentHandler)}
}

// Register adds a handler, replacing any previous one for the same kind.
func (r *HandlerRegistry) Register(h IntentHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Kind()] = h
}

// Get returns the handler for kind.
func (r *HandlerRegistry) Get(kind IntentKind) (IntentHandler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// RegisterDefaultHandlers registers all built-in intent handlers.
func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(holdHandler{})
	r.Register(enterHandler{})
	r.Register(adjustHandler{})
	r.Register(scaleHandler{})
	r.Register(closeHandler{})
	logger.Debugf("Trader: registered %d intent handlers", len(r.handlers))
}
