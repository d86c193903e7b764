package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/rbacaccel/authority"
	"github.com/jmcleod/rbacaccel/internal/config"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the RBAC authority",
	Long: `Start the RBAC authority. Settings come from RBACACCEL_* environment
variables (or a .env file); flags override them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer()
		if err != nil {
			return err
		}
		applyServerFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("addr", "", "Address to listen on (default from RBACACCEL_ADDR)")
	serverCmd.Flags().String("data-dir", "", "Directory for bbolt data")
	serverCmd.Flags().String("policy", "", "Policy YAML to load at startup, replacing the stored policy")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
}

func applyServerFlags(cmd *cobra.Command, cfg *config.ServerConfig) {
	flags := map[string]*string{
		"addr":     &cfg.Addr,
		"data-dir": &cfg.DataDir,
		"policy":   &cfg.PolicyFile,
		"tls-cert": &cfg.TLSCert,
		"tls-key":  &cfg.TLSKey,
	}
	for name, dst := range flags {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
}

func runServer(ctx context.Context, cfg config.ServerConfig) error {
	logger, err := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	policy := authority.NewPolicyStore(repo)
	if cfg.PolicyFile != "" {
		doc, err := authority.LoadDocumentFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		if err := policy.Replace(ctx, doc); err != nil {
			return fmt.Errorf("failed to load policy: %w", err)
		}
		logger.InfoContext(ctx, "policy loaded", "file", cfg.PolicyFile, "users", len(doc.Users), "roles", len(doc.Roles))
	}

	sessions, closeSessions, err := openSessionStore(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	activation, err := authority.ParseActivation(cfg.DefaultActivation)
	if err != nil {
		return err
	}
	opts := []authority.Option{
		authority.WithLogger(logger),
		authority.WithDefaultActivation(activation),
		authority.WithSessionTTL(cfg.SessionTTL),
		authority.WithServiceSecret(cfg.ServiceSecret),
		authority.WithRequestRateLimit(cfg.RequestRateLimit),
	}
	if cfg.AlertWebhookURL != "" {
		hook := authority.NewAlertWebhook(cfg.AlertWebhookURL, cfg.AlertWebhookAuth, logger)
		defer hook.Close()
		opts = append(opts, authority.WithAlertFunc(hook.Notify))
	}
	if cfg.ServiceSecret == "" {
		logger.WarnContext(ctx, "no service secret configured; the authority API is unauthenticated")
	}

	a, err := authority.New(ctx, policy, sessions, opts...)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Mount("/api/v1", a.Router())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.WarnContext(ctx, "no TLS certificate configured; serving plain HTTP")
	}

	printBanner(os.Stdout)
	logger.InfoContext(ctx, "starting authority",
		"addr", cfg.Addr,
		"backend", cfg.Backend,
		"session_backend", cfg.SessionBackend,
		"default_activation", activation,
		"tls", server.TLSConfig != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
