// Command collabd serves the real-time collaboration core: WebSocket
// connections for edit locks and change notifications, Prometheus metrics,
// and an internal publish hook for the REST layer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	nats "github.com/nats-io/nats.go"

	"github.com/parishworks/collab/broadcast"
	"github.com/parishworks/collab/gate"
	"github.com/parishworks/collab/hub"
	"github.com/parishworks/collab/lock"
	"github.com/parishworks/collab/metrics"
	"github.com/parishworks/collab/relay"
	"github.com/parishworks/collab/server"
)

var (
	addr         = flag.String("addr", ":8090", "HTTP listen address")
	redisAddr    = flag.String("redis", "", "Redis address for the shared lock store (empty: in-process store, single node only)")
	relayBackend = flag.String("relay", "memory", "Relay backend: redis, nats, kafka, or memory")
	natsURL      = flag.String("nats", nats.DefaultURL, "NATS URL for -relay=nats")
	kafkaBrokers = flag.String("kafka-brokers", "localhost:9092", "Comma-separated Kafka brokers for -relay=kafka")
	jwtSecret    = flag.String("jwt-secret", "", "JWT signing secret (or COLLAB_JWT_SECRET)")
	traceStdout  = flag.Bool("trace", false, "Emit OpenTelemetry traces to stdout")
)

func main() {
	flag.Parse()

	secret := *jwtSecret
	if secret == "" {
		secret = os.Getenv("COLLAB_JWT_SECRET")
	}
	if secret == "" {
		log.Fatal("a JWT secret is required (-jwt-secret or COLLAB_JWT_SECRET)")
	}

	if *traceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("stdouttrace: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	rl, err := buildRelay()
	if err != nil {
		log.Fatalf("relay %s: %v", *relayBackend, err)
	}
	defer rl.Close()

	h := hub.New()
	bcast, err := broadcast.New(h, rl, log.Default())
	if err != nil {
		log.Fatalf("broadcaster: %v", err)
	}

	var locks lock.Manager
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		locks = lock.NewRedis(client, bcast)
		log.Printf("lock store: redis at %s", *redisAddr)
	} else {
		locks = lock.NewInMemory(bcast)
		log.Print("lock store: in-process (locks are NOT shared across server processes)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bcast.Start(ctx)

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	verifier := gate.NewVerifier([]byte(secret))
	srv := server.New(h, locks, verifier, log.Default())

	mux := http.NewServeMux()
	mux.Handle("/ws", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/internal/publish", publishHandler(bcast))

	httpSrv := &http.Server{Addr: *addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("collabd listening on %s (relay: %s)", *addr, *relayBackend)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("collabd: %v", err)
	}
}

func buildRelay() (relay.Relay, error) {
	switch *relayBackend {
	case "redis":
		target := *redisAddr
		if target == "" {
			target = "localhost:6379"
		}
		return relay.NewRedis(redis.NewClient(&redis.Options{Addr: target})), nil
	case "nats":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, err
		}
		return relay.NewNATS(conn), nil
	case "kafka":
		return relay.NewKafka(strings.Split(*kafkaBrokers, ","), nil)
	default:
		log.Print("relay: in-process only; changes will not reach clients on other server processes")
		return relay.NewMemory(), nil
	}
}

// publishHandler accepts change announcements from the REST layer after
// its database writes succeed. The broadcast is not transactional with
// those writes; clients always refetch.
func publishHandler(b *broadcast.Broadcaster) http.HandlerFunc {
	type publishRequest struct {
		EntityType string          `json:"entityType"`
		Type       string          `json:"type"`
		Data       json.RawMessage `json:"data"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if !broadcast.EntityTypes[req.EntityType] {
			http.Error(w, "unknown entity type", http.StatusBadRequest)
			return
		}
		kind := broadcast.ChangeKind(req.Type)
		switch kind {
		case broadcast.Create, broadcast.Update, broadcast.Delete:
		default:
			http.Error(w, "unknown change type", http.StatusBadRequest)
			return
		}
		if err := b.PublishChange(r.Context(), req.EntityType, kind, req.Data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
