package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"iamgate/server"
	"iamgate/vault"
)

const defaultConfigFile = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("IAMGATE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Usage = usage
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigFile
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	switch command {
	case "":
	case "check":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runCheck(ctx, cfg, logger, os.Stdout); err != nil {
			logger.Error("upstream check failed", "error", err)
			os.Exit(1)
		}
		return
	case "encrypt-key":
		if len(args) != 1 {
			log.Fatalf("usage: %s [-config path] encrypt-key <api-key>", os.Args[0])
		}
		if err := runEncryptKey(cfg, logger, args[0], os.Stdout); err != nil {
			log.Fatalf("encrypt key: %v", err)
		}
		return
	default:
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	// Upstreams are checked on startup (non-blocking, just warnings)
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	warnUnreachable(application.CheckUpstreams(checkCtx), logger)
	cancel()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "public_url", cfg.Server.PublicURL)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] [command]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  (none)               serve HTTP")
	fmt.Fprintln(out, "  check                query Kratos and Hydra health endpoints")
	fmt.Fprintln(out, "  encrypt-key <key>    print vault ciphertext for an API key")
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// loadConfig reads path, or ./config.yaml when present, or runs on
// environment variables alone.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else {
			logger.Info("no config file, using defaults and environment", "env_prefix", server.EnvPrefix)
			return server.LoadConfig("")
		}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runCheck(ctx context.Context, cfg server.Config, logger *slog.Logger, out io.Writer) error {
	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	results := app.CheckUpstreams(ctx)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	var failed []string
	for _, r := range results {
		if !r.OK {
			failed = append(failed, string(r.Service))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("unreachable: %s", strings.Join(failed, ", "))
	}
	return nil
}

func runEncryptKey(cfg server.Config, logger *slog.Logger, key string, out io.Writer) error {
	secrets, err := server.LoadSecrets(cfg, logger)
	if err != nil {
		return err
	}
	v, err := vault.New(secrets.Vault)
	if err != nil {
		return err
	}
	sealed, err := v.Encrypt(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, sealed)
	return err
}

func warnUnreachable(results []server.UpstreamHealth, logger *slog.Logger) {
	for _, r := range results {
		if r.OK {
			logger.Debug("upstream is accessible", "service", r.Service, "url", r.URL)
			continue
		}
		logger.Warn("upstream may not be accessible",
			"service", r.Service,
			"url", r.URL,
			"error", r.Error,
			"note", "server will continue but requests to this service may fail")
	}
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, bufio.NewReader(in), logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating upstream URLs...")
	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	for _, r := range app.CheckUpstreams(ctx) {
		if r.OK {
			logger.Info("upstream is accessible", "service", r.Service, "url", r.URL)
		} else {
			logger.Error("upstream validation failed", "service", r.Service, "url", r.URL, "error", r.Error)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func runSetup(path string, reader *bufio.Reader, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for Ory Kratos and Hydra. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = ask(reader, "Gateway dev listen address", cfg.Server.DevListenAddr)
		publicURL := strings.TrimSuffix(ask(reader, "Gateway public URL", "http://"+cfg.Server.DevListenAddr), "/")
		cfg.Server.PublicURL = publicURL
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. admin.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"

		secret, err := server.RandomSecret(32)
		if err != nil {
			return server.Config{}, err
		}
		cfg.Server.CookieSecret = hex.EncodeToString(secret)
	}

	cfg.Kratos.PublicURL = ask(reader, "Kratos public URL", cfg.Kratos.PublicURL)
	cfg.Kratos.AdminURL = ask(reader, "Kratos admin URL", cfg.Kratos.AdminURL)
	cfg.Kratos.APIKey = ask(reader, "Kratos API key (optional)", "")

	cfg.Hydra.Enabled = askYesNo(reader, "Sign users in through Hydra?", true)
	if cfg.Hydra.Enabled {
		cfg.Hydra.PublicURL = ask(reader, "Hydra public URL", cfg.Hydra.PublicURL)
		cfg.Hydra.AdminURL = ask(reader, "Hydra admin URL", cfg.Hydra.AdminURL)
		cfg.Hydra.APIKey = ask(reader, "Hydra API key (optional)", "")
		cfg.OAuth.ClientID = ask(reader, "OAuth client ID registered in Hydra", "iamgate")
		cfg.OAuth.ClientSecret = askRequired(reader, "OAuth client secret")
		fmt.Printf("Register %s as the client's redirect URI.\n", cfg.CallbackURL())
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
