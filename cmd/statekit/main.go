package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tailored-agentic-units/statekit/action"
	"github.com/tailored-agentic-units/statekit/observability"
	"github.com/tailored-agentic-units/statekit/rpc"
	"github.com/tailored-agentic-units/statekit/store"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to store config file (.json or .toml)")
		add        = flag.String("add", "", "Comma-separated items to add")
		toggle     = flag.String("toggle", "", "Comma-separated items to toggle")
		remove     = flag.String("remove", "", "Comma-separated items to remove")
		load       = flag.String("load", "", "Comma-separated items to load asynchronously")
		logFormat  = flag.String("log-format", "slog", "Event log format: slog, zerolog or none")
		trace      = flag.Bool("trace", false, "Print each dispatch span and its events to stderr")
		verbose    = flag.Bool("verbose", false, "Log verbose lifecycle events")
		addr       = flag.String("addr", "", "Serve the inspection service on this address until interrupted")
	)
	flag.Parse()

	cfg := store.DefaultConfig()
	if *configFile != "" {
		loaded, err := store.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	} else if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Failed to read environment: %v", err)
	}

	obs, err := newObserver(*logFormat, *verbose)
	if err != nil {
		log.Fatalf("Invalid -log-format: %v", err)
	}

	opts := []store.Option[TodoState]{
		store.WithObserver[TodoState](obs),
		store.WithUserExceptionPresenter[TodoState](func(ctx context.Context, err *action.UserError) {
			fmt.Fprintf(os.Stderr, "! %s\n", err.Error())
		}),
		store.WithStateObserver[TodoState](func(ctx context.Context, change store.StateChange[TodoState]) {
			if change.Err != nil {
				return
			}
			if len(change.Prev.Items) != len(change.Next.Items) {
				fmt.Printf("  %s: %d -> %d items\n", action.TypeOf(change.Action), len(change.Prev.Items), len(change.Next.Items))
			}
		}),
	}

	var tp *sdktrace.TracerProvider
	if *trace {
		tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(newSpanPrinter(os.Stderr)))
		opts = append(opts, store.WithTracer[TodoState](tp.Tracer("statekit")))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = run(ctx, &cfg, opts, runArgs{
		load:   split(*load),
		add:    split(*add),
		toggle: split(*toggle),
		remove: split(*remove),
		addr:   *addr,
	})

	if tp != nil {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			log.Printf("Tracer shutdown failed: %v", shutdownErr)
		}
	}
	if err != nil {
		stop()
		log.Fatal(err)
	}
}

type runArgs struct {
	load, add, toggle, remove []string
	addr                      string
}

func run(ctx context.Context, cfg *store.Config, opts []store.Option[TodoState], args runArgs) error {
	st, err := store.New(TodoState{}, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	if len(args.load) > 0 {
		st.Dispatch(ctx, &LoadTodos{Source: args.load, Latency: 200 * time.Millisecond})
	}

	for _, text := range args.add {
		if _, err := st.DispatchAndWait(ctx, &AddTodo{Text: text}); err != nil {
			log.Printf("add %q: %v", text, err)
		}
	}

	var toggles []action.Action[TodoState]
	for _, text := range args.toggle {
		toggles = append(toggles, &ToggleTodo{Text: text})
	}
	if _, err := st.DispatchAndWaitAll(ctx, toggles...); err != nil {
		log.Printf("toggle: %v", err)
	}

	for _, text := range args.remove {
		if _, err := st.DispatchAndWait(ctx, &RemoveTodo{Text: text}); err != nil {
			log.Printf("remove %q: %v", text, err)
		}
	}

	if _, err := st.WaitActionType(ctx, action.TypeOf(&LoadTodos{})); err != nil {
		log.Printf("waiting for load: %v", err)
	}

	if args.addr != "" {
		serve(ctx, args.addr, st)
	}

	printState(st)

	if err := st.Shutdown(5 * time.Second); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func newObserver(format string, verbose bool) (observability.Observer, error) {
	switch format {
	case "slog":
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return observability.NewSlogObserver(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))), nil
	case "zerolog":
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
		return observability.NewZerologObserver(logger), nil
	case "none":
		return observability.Discard, nil
	default:
		return nil, fmt.Errorf("unknown format %q (available: slog, zerolog, none)", format)
	}
}

func serve(ctx context.Context, addr string, st *store.Store[TodoState]) {
	path, handler := rpc.NewHandler(st, rpc.WithStateProjector[TodoState](projectTodos))
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "Serving %s on %s\n", rpc.ServiceName, addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Server error: %v", err)
	}
}

func printState(st *store.Store[TodoState]) {
	state := st.State()
	fmt.Printf("Todos (revision %d, %d dispatches):\n", st.Revision(), st.DispatchCount())
	for _, t := range state.Items {
		mark := " "
		if t.Done {
			mark = "x"
		}
		fmt.Printf("  [%s] %s\n", mark, t.Text)
	}
}

func split(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
