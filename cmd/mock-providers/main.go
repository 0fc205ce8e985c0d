package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/mockproviders"
)

func main() {
	addr := defaultString("MOCK_PROVIDERS_ADDR", ":8090")
	apiKey := defaultString("MOCK_PROVIDERS_API_KEY", "")
	fail := defaultString("MOCK_PROVIDERS_FAIL", "")

	fs := flag.NewFlagSet("mock-providers", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&apiKey, "api-key", apiKey, "Require this API key on every request (empty disables)")
	fs.StringVar(&fail, "fail", fail, "Comma-separated provider=status pairs to fail, e.g. contact=503 (env: MOCK_PROVIDERS_FAIL)")
	_ = fs.Parse(os.Args[1:])

	srv := mockproviders.New()
	srv.RequireAPIKey(apiKey)
	for _, pair := range splitCSV(fail) {
		name, code, ok := strings.Cut(pair, "=")
		status, err := strconv.Atoi(code)
		if !ok || err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "invalid --fail entry %q\n", pair)
			os.Exit(2)
		}
		srv.Fail(strings.TrimSpace(name), status)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	_, _ = fmt.Fprintf(os.Stdout, "mock-providers listening on %s\n", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
