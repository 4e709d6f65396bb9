package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-pooling/internal/config"
	"github.com/example/ride-pooling/internal/logging"
	"github.com/example/ride-pooling/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful pending index updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// The consumer replays ride events into the Redis pending-pickup index so
// the index can be rebuilt or repaired independently of the API servers.
func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	idx := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroupID, "geo_key", cfg.RedisGeoKey)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}
		if ev.RideID == "" || ev.Type == models.EventPoolUpdated {
			continue
		}

		if err := projectWithRetry(ctx, idx, cfg.RedisGeoKey, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("pending index update failed", "ride_id", ev.RideID, "type", ev.Type, "err", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// IndexUpdater is the subset of redis operations the projection needs.
type IndexUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	ZRem(ctx context.Context, key string, member string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) ZRem(ctx context.Context, key string, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

// indexable mirrors the store rule: only pending rides that share are
// matching candidates.
func indexable(ev models.Event) bool {
	return ev.Status == string(models.RidePending) && ev.AllowSharing
}

// projectWithRetry adds or removes the ride from the pending index, retrying
// with exponential backoff.
func projectWithRetry(ctx context.Context, idx IndexUpdater, key string, ev models.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if indexable(ev) {
			err = idx.GeoAdd(ctx, key, &redis.GeoLocation{Name: ev.RideID, Longitude: ev.Pickup.Lon, Latitude: ev.Pickup.Lat})
		} else {
			err = idx.ZRem(ctx, key, ev.RideID)
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
