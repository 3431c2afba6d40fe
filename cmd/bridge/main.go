// The bridge tails the regional change feed and applies every event to
// the global replica. It is the only writer to the replica; everything
// downstream of it is eventually consistent by the feed lag.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/av-fleet/internal/models"
	"github.com/example/av-fleet/internal/replica"
	"github.com/example/av-fleet/internal/storage"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_events_consumed_total",
		Help: "Total change events consumed from the feed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_events_invalid_total",
		Help: "Total malformed change events received",
	})
	eventsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_events_applied_total",
		Help: "Total change events applied to the replica",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_apply_errors_total",
		Help: "Total replica apply failures",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, eventsApplied, applyErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := splitBrokers(os.Getenv("KAFKA_BROKERS"))
	topic := getenv("KAFKA_TOPIC", "ride-changes")
	group := getenv("KAFKA_GROUP", "replica-bridge")
	dsn := os.Getenv("GLOBAL_REPLICA_DSN")
	if dsn == "" {
		log.Fatal("GLOBAL_REPLICA_DSN is required")
	}

	if err := storage.Migrate(dsn, filepath.Join("migrations", "001_create_rides.sql")); err != nil {
		log.Fatalf("migrate replica: %v", err)
	}
	rep, err := replica.NewPostgresReplica(dsn)
	if err != nil {
		log.Fatalf("replica: %v", err)
	}
	defer rep.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Printf("bridge consuming topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down bridge")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		eventsConsumed.Inc()

		var ev models.ChangeEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			eventsInvalid.Inc()
			log.Printf("invalid change event: %v", err)
			continue
		}

		if err := applyWithRetry(ctx, rep, ev, 3, 200*time.Millisecond); err != nil {
			applyErrors.Inc()
			log.Printf("replica apply failed for ride=%s: %v", ev.RideID, err)
			continue
		}
		eventsApplied.Inc()
	}
}

// applyWithRetry applies one event with bounded backoff. Events are
// idempotent upserts/deletes, so re-applying after a partial failure is
// safe.
func applyWithRetry(ctx context.Context, rep replica.Replica, ev models.ChangeEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rep.Apply(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func splitBrokers(raw string) []string {
	if raw == "" {
		return []string{"localhost:9092"}
	}
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
