package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-deepmap/internal/client"
	"github.com/23skdu/longbow-deepmap/internal/trainer"
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid options")
	}

	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", opts.LogLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if err := run(opts); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("Training interrupted")
			os.Exit(130)
		}
		log.Fatal().Err(err).Msg("Training failed")
	}
}

func run(opts trainer.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.OTel {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if opts.CPUProfile != "" {
		f, err := os.Create(opts.CPUProfile)
		if err != nil {
			return fmt.Errorf("creating CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("starting CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	var pub trainer.Publisher
	if opts.Flight != "" {
		fc, err := client.NewFlightClient(opts.Flight)
		if err != nil {
			return err
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", opts.Flight).Str("dataset", opts.FlightDataset).Msg("Publishing poses to Longbow")
		pub = client.NewPublisher(fc, opts.FlightDataset)
	}

	tr, err := trainer.Build(opts, pub)
	if err != nil {
		return err
	}

	if opts.Listen != "" {
		go serve(ctx, opts.Listen, NewServer(tr).Handler())
	}

	start := time.Now()
	if err := tr.Run(ctx); err != nil {
		return err
	}
	log.Info().
		Str("run_id", tr.RunID()).
		Dur("elapsed", time.Since(start)).
		Str("dir", tr.Dir()).
		Msg("Training complete")
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("deepmap"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
