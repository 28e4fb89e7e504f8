package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/stranger-chat/blockstore"
	"github.com/gosuda/stranger-chat/config"
	"github.com/gosuda/stranger-chat/matchmaker"
)

var rootCmd = &cobra.Command{
	Use:   "stranger-chat",
	Short: "Anonymous one-to-one chat with interest based matchmaking",
	RunE:  runServer,
}

var (
	flagServerURLs []string
	flagPort       int
	flagName       string
	flagCredKey    string
	flagDataPath   string
	flagLogLevel   string
	flagPretty     bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&flagServerURLs, "server-url", nil, "relayserver base URL(s); repeat or comma-separated (default from env RELAY)")
	flags.IntVar(&flagPort, "port", 0, "local HTTP port; negative disables the local server (default from env PORT)")
	flags.StringVar(&flagName, "name", "", "backend display name on the relay (default from env APP_NAME)")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the listener (base64 encoded)")
	flags.StringVar(&flagDataPath, "data-path", "", "directory for persisted block lists; empty keeps them in memory (default from env DATA_PATH)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (default from env LOG_LEVEL)")
	flags.BoolVar(&flagPretty, "pretty", false, "human readable console logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute stranger-chat command")
	}
}

// loadConfig reads .env files and the environment, then applies flags the
// user set explicitly. It reports whether the local server is disabled.
func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	if err := config.LoadEnvFiles(".env", "../.env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, false, err
	}

	flags := cmd.Flags()
	noLocal := false
	if flags.Changed("port") {
		if flagPort < 0 {
			noLocal = true
		} else {
			cfg.Port = flagPort
		}
	}
	if flags.Changed("server-url") {
		cfg.Relays = config.SplitList(strings.Join(flagServerURLs, ","))
	}
	if flags.Changed("name") {
		cfg.AppName = flagName
	}
	if flags.Changed("data-path") {
		cfg.DataPath = flagDataPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, noLocal, nil
}

func setupLogging(level string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, noLocal, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupLogging(cfg.LogLevel, flagPretty); err != nil {
		return err
	}
	if noLocal && len(cfg.Relays) == 0 {
		return errors.New("local server disabled and no relay configured")
	}

	var store *blockstore.Store
	if cfg.DataPath != "" {
		store, err = blockstore.Open(cfg.DataPath, blockstore.WithLogger(log.Logger))
		if err != nil {
			return fmt.Errorf("open block store: %w", err)
		}
		log.Info().Msgf("[stranger-chat] persisting blocks under %s", cfg.DataPath)
	}

	hub := NewHub(store,
		matchmaker.WithMinScore(cfg.MatchMinScore),
		matchmaker.WithStarvationAfter(cfg.MatchStarvationAfter),
		matchmaker.WithLogger(log.Logger),
	)
	mux := NewHTTPServer(hub, cfg.CORSOrigin).Router()

	var (
		client *sdk.RDClient
		ln     net.Listener
	)
	if len(cfg.Relays) > 0 {
		client, ln, err = listenRelay(cfg)
		if err != nil {
			hub.Close()
			_ = store.Close()
			return err
		}
		log.Info().Strs("relays", cfg.Relays).Msgf("[stranger-chat] registered on relay as %q", cfg.AppName)
		go func() {
			if err := http.Serve(ln, mux); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				log.Error().Err(err).Msg("[stranger-chat] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if !noLocal {
		httpSrv = &http.Server{Addr: cfg.Addr(), Handler: mux, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[stranger-chat] serving locally at http://127.0.0.1%s", cfg.Addr())
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("[stranger-chat] local http stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()

	if ln != nil {
		_ = ln.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("[stranger-chat] http server shutdown error")
		}
		cancel()
	}
	hub.Close()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("[stranger-chat] close block store")
	}
	log.Info().Msg("[stranger-chat] shutdown complete")
	return nil
}

func listenRelay(cfg *config.Config) (*sdk.RDClient, net.Listener, error) {
	cred := sdk.NewCredential()
	if flagCredKey != "" {
		key, err := base64.StdEncoding.DecodeString(flagCredKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}

	client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = cfg.Relays })
	if err != nil {
		return nil, nil, fmt.Errorf("new client: %w", err)
	}
	ln, err := client.Listen(cred, cfg.AppName, []string{"http/1.1"})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("listen: %w", err)
	}
	return client, ln, nil
}
