package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

func SetupLogger(level string) zerolog.Logger {
	return NewLogger(os.Stdout, level)
}

// NewLogger builds a JSON logger writing to w. Unknown levels mean info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().Timestamp().Str("service", "gateguard").Logger().Level(lvl)
}

// Logger puts logger and a request id (X-Request-ID or generated) into the
// request context for hlog.FromRequest, and writes one access line per
// request. Rate limited requests carry limited=true; 5xx lines are errors.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		l := hlog.FromRequest(r)
		ev := l.Info()
		if status >= http.StatusInternalServerError {
			ev = l.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Bool("limited", status == http.StatusTooManyRequests).
			Int("size", size).
			Dur("dur", duration).
			Msg("req")
	})

	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(logger)(
			access(
				hlog.RemoteAddrHandler("remote")(
					hlog.UserAgentHandler("ua")(
						hlog.RequestIDHandler("req_id", "X-Request-ID")(next),
					),
				),
			),
		)
	}
}
