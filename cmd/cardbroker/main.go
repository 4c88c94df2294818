package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cardbroker/internal/broker"
	"cardbroker/internal/channel"
	"cardbroker/internal/config"
	"cardbroker/internal/gateway"
	"cardbroker/internal/knownapps"
	"cardbroker/internal/metrics"
	"cardbroker/internal/permissions"
	"cardbroker/internal/pool"
	"cardbroker/internal/qr"
	"cardbroker/internal/readers"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var errUsage = errors.New("usage: cardbroker <command> [args]")

const knownAppsRetryInterval = time.Minute

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	switch args[0] {
	case "serve":
		return serveCmd(args[1:], out)
	case "token":
		return tokenCmd(args[1:], out)
	case "remove-app":
		return removeAppCmd(args[1:], out)
	case "apps":
		return appsCmd(args[1:], out)
	case "qr":
		return qrCmd(args[1:], out)
	case "version", "--version", "-version":
		fmt.Fprintf(out, "cardbroker %s (%s) %s\n", version, commit, date)
		return nil
	default:
		return errUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "cardbroker <command> [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve       Run the broker and its gateway")
	fmt.Fprintln(w, "  token       Issue a client identity token")
	fmt.Fprintln(w, "  remove-app  Revoke a client app and close its channels (admin token required)")
	fmt.Fprintln(w, "  apps        List connected client apps (admin token required)")
	fmt.Fprintln(w, "  qr          Print a QR code for a URL")
	fmt.Fprintln(w, "  version     Print version")
}

func serveCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "YAML config file")
	addr := fs.String("addr", "", "gateway listen address")
	serverURL := fs.String("server-url", "", "backend server websocket url")
	serverCmd := fs.String("server-cmd", "", "backend server command, run on a pty")
	waitReady := fs.Bool("wait-ready", false, "hold traffic until the server reports ready")
	appsURL := fs.String("apps-url", "", "base url serving the known apps dataset")
	appsDir := fs.String("apps-dir", "", "directory holding the known apps dataset")
	tokenSecret := fs.String("token-secret", "", "token signing secret")
	adminToken := fs.String("admin-token", "", "admin token for the admin API")
	tokenTTL := fs.Duration("token-ttl", 0, "client token lifetime")
	maxRedeliveries := fs.Int("max-redeliveries", 0, "redeliveries per external message after a client reload (-1 disables)")
	trackReaders := fs.Bool("track-readers", true, "mirror the backend reader list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ListenAddress = *addr
		case "server-url":
			cfg.Server.URL = *serverURL
		case "server-cmd":
			cfg.Server.Command = strings.Fields(*serverCmd)
		case "wait-ready":
			cfg.Server.WaitReady = *waitReady
		case "apps-url":
			cfg.KnownApps.BaseURL = *appsURL
		case "apps-dir":
			cfg.KnownApps.Dir = *appsDir
		case "token-secret":
			cfg.TokenSecret = *tokenSecret
		case "admin-token":
			cfg.AdminToken = *adminToken
		case "token-ttl":
			cfg.TokenTTL = *tokenTTL
		case "max-redeliveries":
			cfg.MaxRedeliveries = *maxRedeliveries
		case "track-readers":
			cfg.TrackReaders = *trackReaders
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log.New(out, "[cardbroker] ", log.LstdFlags))
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	serverCh, err := dialServer(ctx, cfg.Server)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	apps := knownapps.New(knownAppsFetcher(cfg.KnownApps), log.New(logger.Writer(), "[knownapps] ", log.LstdFlags))
	clock := clockwork.NewRealClock()
	go retryKnownApps(ctx, clock, apps, logger)

	checker := permissions.New(apps, log.New(logger.Writer(), "[permissions] ", log.LstdFlags), m)
	p := pool.New(clock, log.New(logger.Writer(), "[pool] ", log.LstdFlags))
	b := broker.New(broker.Config{
		Server:          serverCh,
		Pool:            p,
		Checker:         checker,
		Logger:          log.New(logger.Writer(), "[broker] ", log.LstdFlags),
		Metrics:         m,
		MaxRedeliveries: cfg.MaxRedeliveries,
		WaitReady:       cfg.Server.WaitReady,
	})
	defer b.Close()

	opts := gateway.Options{
		Broker:      b,
		Pool:        p,
		Apps:        apps,
		Tokens:      gateway.NewTokenManager(cfg.TokenSecret),
		AdminToken:  cfg.AdminToken,
		TokenTTL:    cfg.TokenTTL,
		PollTimeout: cfg.PollTimeout,
		Clock:       clock,
		Gatherer:    reg,
	}
	if cfg.TrackReaders {
		tracker, err := readers.NewTracker(b, log.New(logger.Writer(), "[readers] ", log.LstdFlags))
		if err != nil {
			return fmt.Errorf("readers: %w", err)
		}
		defer tracker.Close()
		opts.Readers = tracker
	}
	gw := gateway.New(opts)
	gw.SetLogger(log.New(logger.Writer(), "[gateway] ", log.LstdFlags))

	server := &http.Server{Addr: cfg.ListenAddress, Handler: gw.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Printf("listening on %s", cfg.ListenAddress)

	var result error
	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
	case <-b.Done():
		result = b.Err()
	case err := <-serveErr:
		result = fmt.Errorf("listen: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return result
}

func dialServer(ctx context.Context, sc config.ServerConfig) (channel.Channel, error) {
	if sc.URL != "" {
		return channel.DialWS(ctx, sc.URL, nil)
	}
	return channel.StartProcess(sc.Command[0], sc.Command[1:]...)
}

func knownAppsFetcher(kc config.KnownAppsConfig) knownapps.Fetcher {
	if kc.BaseURL != "" {
		return knownapps.HTTPFetcher{BaseURL: kc.BaseURL, Path: kc.Path}
	}
	return knownapps.FSFetcher{FS: os.DirFS(kc.Dir), Path: kc.Path}
}

// retryKnownApps refetches the known apps dataset after a failed fetch.
func retryKnownApps(ctx context.Context, clock clockwork.Clock, apps *knownapps.Registry, logger *log.Logger) {
	ticker := clock.NewTicker(knownAppsRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if apps.Retry() {
				logger.Printf("retrying known apps fetch")
			}
		}
	}
}

func tokenCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	clientID := fs.String("client-id", "", "client app identity")
	secret := fs.String("token-secret", "", "token signing secret")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	base := fs.String("url", "", "gateway address; prints the connect URL and its QR code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" || *secret == "" {
		return errors.New("usage: cardbroker token -client-id <id> -token-secret <secret>")
	}
	token, err := gateway.NewTokenManager(*secret).Issue(*clientID, *ttl)
	if err != nil {
		return err
	}
	if *base == "" {
		fmt.Fprintln(out, token)
		return nil
	}
	connect, err := qr.ConnectURL(*base, token)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connect: %s\n", connect)
	return qr.RenderANSI(out, connect)
}

func removeAppCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("remove-app", flag.ContinueOnError)
	fs.SetOutput(out)
	gatewayURL := fs.String("gateway", "http://127.0.0.1:8090", "gateway base url")
	adminToken := fs.String("admin-token", "", "admin token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: cardbroker remove-app [flags] <client-id>")
	}
	body, _ := json.Marshal(map[string]string{"client_id": fs.Arg(0)})
	resp, err := adminRequest(http.MethodPost, *gatewayURL, "/api/apps/remove", *adminToken, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	fmt.Fprintf(out, "removed %s\n", fs.Arg(0))
	return nil
}

func appsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("apps", flag.ContinueOnError)
	fs.SetOutput(out)
	gatewayURL := fs.String("gateway", "http://127.0.0.1:8090", "gateway base url")
	adminToken := fs.String("admin-token", "", "admin token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	resp, err := adminRequest(http.MethodGet, *gatewayURL, "/api/apps", *adminToken, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var apps []gateway.AppInfo
	if err := json.NewDecoder(resp.Body).Decode(&apps); err != nil {
		return fmt.Errorf("decode apps: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tNAME\tCHANNELS\tKINDS")
	for _, a := range apps {
		name := a.Name
		if !a.Known {
			name = "(unknown)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.ClientID, name, a.Channels, strings.Join(a.Kinds, ","))
	}
	return tw.Flush()
}

func adminRequest(method, base, path, adminToken string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s failed: %s", method, path, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func qrCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: cardbroker qr <url>")
	}
	return qr.RenderANSI(out, fs.Arg(0))
}
