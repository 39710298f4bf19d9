// Command codegate-broker is the HTTP listener composition root: it opens
// the shared SQLite store, wires every internal component into a
// dispatch.Dispatcher, and serves the proxy plus a Prometheus metrics
// endpoint until terminated.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codegate-broker/internal/account"
	"codegate-broker/internal/config"
	"codegate-broker/internal/dispatch"
	"codegate-broker/internal/limits"
	"codegate-broker/internal/logging"
	"codegate-broker/internal/metrics"
	"codegate-broker/internal/provider"
	"codegate-broker/internal/store"
	"codegate-broker/internal/tenant"
	"codegate-broker/internal/token"
	"codegate-broker/internal/usage"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to broker.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(cfg.LogLevel, cfg.LogJSON, os.Stderr)
	log := logging.L()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	var cipher *store.Cipher
	if cfg.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(cfg.EncryptionKeyHex)
		if err != nil {
			log.Fatal().Err(err).Msg("decode encryption_key_hex")
		}
		cipher, err = store.NewCipher(key)
		if err != nil {
			log.Fatal().Err(err).Msg("init cipher")
		}
	} else {
		log.Warn().Msg("no encryption_key_hex configured, credentials stored in plaintext")
	}

	accounts := account.NewRepository(st, cipher)
	registry := provider.NewRegistry()
	tokens := token.NewManager(accounts, time.Duration(cfg.RefreshLeewayMs)*time.Millisecond, cfg.ClientID)
	recorder := usage.NewRecorder(st, cfg.Pricing)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	resolver := tenant.NewResolver(st)

	if _, err := tokens.StartRefreshSweep(cfg.RefreshSweepCron); err != nil {
		log.Fatal().Err(err).Msg("start refresh sweep")
	}

	d := dispatch.New(accounts, registry, tokens, recorder, m)
	d.SessionWindow = time.Duration(cfg.SessionWindowMs) * time.Millisecond
	d.Limits = limits.NewTable(st)

	mux := http.NewServeMux()
	mux.Handle("/v1/", tenantGate(resolver, d))
	mux.Handle("/", tenantGate(resolver, d))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	watcher, err := config.Watch(*configPath, func(next *config.Config) {
		logging.Configure(next.LogLevel, next.LogJSON, os.Stderr)
		log.Info().Msg("reloaded config")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		metricsServer.Shutdown(ctx)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("codegate-broker listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}

	log.Info().Msg("broker stopped")
}

// tenantGate enforces tenant-key auth when tenants exist; with zero tenant
// rows the broker runs open (single-operator mode, matching the common case
// of a personal CLI reverse proxy rather than a shared multi-tenant one).
func tenantGate(resolver *tenant.Resolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !resolver.HasTenants() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("x-api-key")
		if key == "" {
			key = bearerToken(r.Header.Get("Authorization"))
		}

		if t := resolver.Resolve(key); t != nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid api key"}}`))
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func defaultConfigPath() string {
	if v := os.Getenv("CODEGATE_CONFIG"); v != "" {
		return v
	}
	return "broker.yaml"
}
