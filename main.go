package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/korylprince/agentstream/httpapi"
	"github.com/korylprince/agentstream/journal"
)

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		log.Fatalln("Could not parse log level:", err)
	}
	var logger zerolog.Logger
	if config.LogConsole {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("app", "agentstream").Logger()
}

func openJournal(logger zerolog.Logger) journal.Store {
	if config.SQLDriver == "" {
		logger.Info().Msg("session journal disabled")
		return journal.Nop{}
	}

	store, err := journal.Open(config.SQLDriver, config.SQLDSN)
	if err != nil {
		log.Fatalln("Could not open journal:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err = store.Migrate(ctx); err != nil {
		log.Fatalln("Could not migrate journal:", err)
	}
	return store
}

func main() {
	logger := newLogger()

	store := openJournal(logger)
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g := httpapi.NewGateway(config.Session(), store, httpapi.NewMetrics(reg), logger)
	defer g.Close()

	r := httpapi.NewRouter(os.Stdout, g, reg)

	chain := http.StripPrefix(config.Prefix, r)

	logger.Info().Str("addr", config.ListenAddr).Msg("listening")
	logger.Error().Err(http.ListenAndServe(config.ListenAddr, chain)).Msg("server stopped")
}
