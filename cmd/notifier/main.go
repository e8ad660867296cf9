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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/notify"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_consumed_total",
		Help: "Total ride events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	pushDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_push_delivered_total",
		Help: "Total successful push deliveries",
	})
	pushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_push_errors_total",
		Help: "Total failed push deliveries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pushDelivered, pushErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "ride-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "carpool-notifier"
	}

	var deliverer dispatch.Deliverer
	if ep := os.Getenv("FCM_ENDPOINT"); ep != "" {
		deliverer = dispatch.NewFCMDispatcher(ep, os.Getenv("FCM_KEY"))
	} else if ep := os.Getenv("PUSH_ENDPOINT"); ep != "" {
		deliverer = dispatch.NewPushDispatcher(ep)
	} else {
		log.Fatal("one of FCM_ENDPOINT or PUSH_ENDPOINT is required")
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Printf("notifier listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down notifier")
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
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var evt notify.Event
		if err := json.Unmarshal(m.Value, &evt); err != nil || evt.Type == "" || evt.RecipientID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		if err := deliverWithRetry(ctx, deliverer, evt, 3, 200*time.Millisecond); err != nil {
			pushErrors.Inc()
			log.Printf("push failed for user=%s type=%s: %v", evt.RecipientID, evt.Type, err)
			continue
		}
		pushDelivered.Inc()
	}
}

// deliverWithRetry pushes one event with retry/backoff. A missed
// notification is never fatal to the consume loop.
func deliverWithRetry(ctx context.Context, d dispatch.Deliverer, evt notify.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = d.Deliver(ctx, evt); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
