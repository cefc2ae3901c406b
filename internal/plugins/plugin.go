package plugins

import (
	"context"
	"net/http"

	"github.com/danmuck/probectl/internal/api"
	"github.com/danmuck/probectl/internal/debugger"
)

// Handler is one decoded, typed request ready to validate and run.
type Handler interface {
	// Validate reports absent required fields as *api.MissingFieldError.
	Validate() error
	Execute(ctx context.Context, host debugger.Host) (any, error)
}

// Binding ties a request kind to its decode function and response type.
type Binding struct {
	Kind string
	// Blocking kinds may run for an unbounded time and are dispatched off the loop.
	Blocking bool
	Decode   func(api.Request) (Handler, error)
	// NewResponse returns a pointer to the concrete success payload type, for
	// clients that want typed access. Optional.
	NewResponse func() any
}

// WebPlugin is an HTTP view mounted under /view/<Name>. App and StaticDir are
// both optional.
type WebPlugin struct {
	Name      string
	App       http.Handler
	StaticDir string
}
