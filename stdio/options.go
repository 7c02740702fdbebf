package stdio

import (
	"io"
	"log/slog"

	"github.com/ggoodman/sharedoc/session"
)

// Option configures a Handler.
type Option func(*Handler)

// WithIO replaces stdin and stdout. A nil argument keeps the default.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(h *Handler) {
		if in != nil {
			h.in = in
		}
		if out != nil {
			h.out = out
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithUserProvider changes how the local user is named in the connection
// headers.
func WithUserProvider(users UserProvider) Option {
	return func(h *Handler) {
		if users != nil {
			h.users = users
		}
	}
}

// WithSessionOptions passes opts to the session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(h *Handler) { h.sessionOpts = append(h.sessionOpts, opts...) }
}
