package logger

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger level and output format.
// format is "json" or "console".
func Setup(level, format string) error {
	if err := SetLevel(level); err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case "", "json":
		UseJSONLogging(os.Stderr)
	case "console":
		UseConsoleLogging(os.Stderr)
	default:
		return errors.Newf("unknown log format %q", format)
	}
	return nil
}

// SetLevel sets the global level; an empty string means info.
func SetLevel(level string) error {
	if level == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func UseJSONLogging(w io.Writer) {
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	GlobalLogger = log.With().Str(RequestIDFieldKey, "global").Logger()
}

func UseConsoleLogging(w io.Writer) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, NoColor: true})
	GlobalLogger = log.With().Str(RequestIDFieldKey, "global").Logger()
}
