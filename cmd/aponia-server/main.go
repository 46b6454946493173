// Command aponia-server is a demonstration host for the auth core. It wires
// every provider kind — credentials, email verification, GitHub OAuth and a
// generic OIDC issuer — into a small chi server so the flows can be exercised
// end to end against real identity providers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/aponia-io/aponia"
	"github.com/aponia-io/aponia/adapter/httpadapter"
	"github.com/aponia-io/aponia/auth"
	"github.com/aponia-io/aponia/metrics"
	"github.com/aponia-io/aponia/provider/credentials"
	"github.com/aponia-io/aponia/provider/email"
	"github.com/aponia-io/aponia/provider/oauth"
	"github.com/aponia-io/aponia/provider/oidc"
	"github.com/aponia-io/aponia/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	addr          string
	secret        string
	secureCookies bool
	logLevel      string

	demoEmail    string
	demoPassword string

	githubClientID     string
	githubClientSecret string

	oidcIssuer       string
	oidcClientID     string
	oidcClientSecret string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "aponia-server",
		Short: "Aponia server — demonstration host for the aponia auth core",
		Long: `Aponia server embeds the aponia auth middleware into a chi router and
wires up credentials, email, GitHub OAuth and OIDC providers. It exists to
exercise the library; it is not a production identity service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.addr, "addr", envOrDefault("APONIA_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", envOrDefault("APONIA_SECRET", ""), "Secret the session cookies are encrypted under (required)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("APONIA_SECURE_COOKIES", "false") == "true", "Use the __Secure- cookie layout (enable over HTTPS)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("APONIA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.demoEmail, "demo-email", envOrDefault("APONIA_DEMO_EMAIL", "demo@example.com"), "Email of the built-in credentials user")
	root.PersistentFlags().StringVar(&cfg.demoPassword, "demo-password", envOrDefault("APONIA_DEMO_PASSWORD", "password"), "Password of the built-in credentials user")
	root.PersistentFlags().StringVar(&cfg.githubClientID, "github-client-id", envOrDefault("APONIA_GITHUB_CLIENT_ID", ""), "GitHub OAuth app client id (empty = provider disabled)")
	root.PersistentFlags().StringVar(&cfg.githubClientSecret, "github-client-secret", envOrDefault("APONIA_GITHUB_CLIENT_SECRET", ""), "GitHub OAuth app client secret")
	root.PersistentFlags().StringVar(&cfg.oidcIssuer, "oidc-issuer", envOrDefault("APONIA_OIDC_ISSUER", ""), "OIDC issuer URL (empty = provider disabled)")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", envOrDefault("APONIA_OIDC_CLIENT_ID", ""), "OIDC client id")
	root.PersistentFlags().StringVar(&cfg.oidcClientSecret, "oidc-client-secret", envOrDefault("APONIA_OIDC_CLIENT_SECRET", ""), "OIDC client secret")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aponia-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secret == "" {
		return fmt.Errorf("secret is required — set --secret or APONIA_SECRET")
	}

	logger.Info("starting aponia server",
		zap.String("version", version),
		zap.String("addr", cfg.addr),
		zap.Bool("secure_cookies", cfg.secureCookies),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Session manager ---
	// The refresh hook re-issues both tokens whenever the access token has
	// expired but the refresh token is still alive.
	manager, err := session.NewManager(session.Config{
		Secret:        cfg.secret,
		SecureCookies: cfg.secureCookies,
		Logger:        logger,
		CreateSession: func(ctx context.Context, user any) (*session.NewSession, error) {
			return &session.NewSession{
				User:         user,
				AccessToken:  user,
				RefreshToken: user,
			}, nil
		},
		HandleRefresh: func(ctx context.Context, pair session.TokenPair) (*session.NewSession, error) {
			if pair.AccessToken != nil || pair.RefreshToken == nil {
				return nil, nil
			}
			user := scrubRegisteredClaims(pair.RefreshToken)
			return &session.NewSession{
				User:         user,
				AccessToken:  user,
				RefreshToken: user,
			}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build session manager: %w", err)
	}

	// --- 2. Providers ---
	providers, err := buildProviders(cfg, manager, logger)
	if err != nil {
		return err
	}

	// --- 3. Auth core ---
	registry := prometheus.NewRegistry()
	authCore, err := auth.New(auth.Config{
		Providers: providers,
		Session:   manager,
		Logger:    logger,
		Metrics:   metrics.NewCollector(registry),
	})
	if err != nil {
		return fmt.Errorf("failed to build auth core: %w", err)
	}

	// --- 4. HTTP server ---
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(httpadapter.RequestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(httpadapter.Middleware(authCore, logger))

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		user := httpadapter.UserFromContext(r.Context())
		if user == nil {
			fmt.Fprintln(w, "anonymous — POST /auth/login/credentials or GET /auth/login/github to sign in")
			return
		}
		fmt.Fprintf(w, "signed in: %v\n", user)
	})

	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down aponia server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("aponia server stopped")
	return nil
}

// buildProviders assembles the provider set from the config. Credentials and
// email are always on; GitHub and OIDC join when their flags are set.
func buildProviders(cfg *config, manager *session.Manager, logger *zap.Logger) ([]auth.Provider, error) {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(cfg.demoPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash demo password: %w", err)
	}

	credentialsProvider, err := credentials.New(credentials.Config{
		OnAuth: func(ctx context.Context, req *aponia.Request) (*aponia.Response, error) {
			httpReq, ok := req.Raw.(*http.Request)
			if !ok {
				return nil, fmt.Errorf("credentials request is not an http request")
			}
			if err := httpReq.ParseForm(); err != nil {
				return nil, fmt.Errorf("parsing credentials form: %w", err)
			}

			address := httpReq.PostFormValue("email")
			password := httpReq.PostFormValue("password")
			if address != cfg.demoEmail ||
				bcrypt.CompareHashAndPassword(passwordHash, []byte(password)) != nil {
				return nil, fmt.Errorf("invalid credentials")
			}

			user := map[string]any{"email": address, "provider": "credentials"}
			sessionCookies, err := manager.SessionCookies(ctx, user)
			if err != nil {
				return nil, err
			}
			return &aponia.Response{User: user, Cookies: sessionCookies}, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build credentials provider: %w", err)
	}

	emailProvider, err := email.New(email.Config{
		GetEmail: func(ctx context.Context, req *aponia.Request) (string, error) {
			httpReq, ok := req.Raw.(*http.Request)
			if !ok {
				return "", nil
			}
			if err := httpReq.ParseForm(); err != nil {
				return "", err
			}
			return httpReq.FormValue("email"), nil
		},
		OnAuth: func(ctx context.Context, v *email.Verification) (*aponia.Response, error) {
			// A real host hands v.HTML to its mailer. The demo just logs the
			// link so the flow can be completed from the terminal.
			logger.Info("verification link issued",
				zap.String("email", v.Email),
				zap.String("url", v.URL),
			)
			return &aponia.Response{Body: "verification email sent"}, nil
		},
		OnVerify: func(ctx context.Context, verificationToken, address string) (*aponia.Response, error) {
			// The demo keeps no record of issued tokens and accepts any
			// non-empty token. A real host looks the token up in its delivery
			// store.
			if verificationToken == "" || address == "" {
				return nil, fmt.Errorf("verification token and email are required")
			}
			user := map[string]any{"email": address, "provider": "email"}
			sessionCookies, err := manager.SessionCookies(ctx, user)
			if err != nil {
				return nil, err
			}
			return &aponia.Response{User: user, Cookies: sessionCookies}, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build email provider: %w", err)
	}

	providers := []auth.Provider{credentialsProvider, emailProvider}

	if cfg.githubClientID != "" {
		githubConfig := oauth.GitHub(cfg.githubClientID, cfg.githubClientSecret)
		githubConfig.Logger = logger
		githubConfig.OnAuth = func(ctx context.Context, profile map[string]any, _ *oauth2.Token) (*aponia.Response, error) {
			user := map[string]any{
				"login":    profile["login"],
				"name":     profile["name"],
				"provider": "github",
			}
			sessionCookies, err := manager.SessionCookies(ctx, user)
			if err != nil {
				return nil, err
			}
			return &aponia.Response{User: user, Cookies: sessionCookies}, nil
		}

		githubProvider, err := oauth.New(githubConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build github provider: %w", err)
		}
		providers = append(providers, githubProvider)
	}

	if cfg.oidcIssuer != "" {
		oidcProvider, err := oidc.New(oidc.Config{
			ID:           "oidc",
			Issuer:       cfg.oidcIssuer,
			ClientID:     cfg.oidcClientID,
			ClientSecret: cfg.oidcClientSecret,
			Logger:       logger,
			OnAuth: func(ctx context.Context, profile map[string]any, _ *gooidc.IDToken) (*aponia.Response, error) {
				user := map[string]any{
					"sub":      profile["sub"],
					"email":    profile["email"],
					"provider": "oidc",
				}
				sessionCookies, err := manager.SessionCookies(ctx, user)
				if err != nil {
					return nil, err
				}
				return &aponia.Response{User: user, Cookies: sessionCookies}, nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build oidc provider: %w", err)
		}
		providers = append(providers, oidcProvider)
	}

	return providers, nil
}

// scrubRegisteredClaims drops the codec-stamped claims so re-encoding a
// decoded bag does not carry stale iat/exp/jti values.
func scrubRegisteredClaims(claims map[string]any) map[string]any {
	user := make(map[string]any, len(claims))
	for k, v := range claims {
		switch k {
		case "iat", "exp", "jti":
		default:
			user[k] = v
		}
	}
	return user
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
