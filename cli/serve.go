package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chapterhq/chapterd/auth"
	"github.com/chapterhq/chapterd/config"
	"github.com/chapterhq/chapterd/database"
	"github.com/chapterhq/chapterd/directory"
	"github.com/chapterhq/chapterd/impersonation"
	"github.com/chapterhq/chapterd/middleware"
	"github.com/chapterhq/chapterd/tasks"
	"github.com/chapterhq/chapterd/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chapterd server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := config.ValidateSessionKeys(); err != nil {
		return err
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	dir := directory.NewStore(db)

	policy := &impersonation.LevelPolicy{
		MinHierarchyLevel: cfg.Impersonation.MinHierarchyLevel,
	}
	resolver := impersonation.NewResolver(db, dir, policy)
	manager := impersonation.NewManager(db, resolver)
	recorder := impersonation.NewRecorder(db)
	reporter := impersonation.NewReporter(db)

	sessionStore := sessions.NewCookieStore(
		[]byte(cfg.Session.AuthenticationKey),
		[]byte(cfg.Session.EncryptionKey),
	)
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.Session.CookieExpiry.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	sessionMW := auth.NewSessionMiddleware(sessionStore, cfg.Session.CookieName, dir, manager)

	ctx := cmd.Context()

	oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCProviderConfig{
		ServerURL: cfg.AdvertiseURL,
		OIDCConfig: types.OIDCConfig{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			Scopes:       cfg.OIDC.Scopes,
		},
	})
	if err != nil {
		return err
	}
	oidcHandlers := auth.NewOIDCHandlers(oidcProvider, sessionStore, cfg.Session.CookieName, dir, manager)

	impHandlers := impersonation.NewHandlers(resolver, manager, reporter, dir, cfg.Impersonation.DefaultTimeoutMinutes)

	r := mux.NewRouter()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logging(log.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(nil))

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/oidc/login", oidcHandlers.LoginHandler).Methods(http.MethodGet)
	r.HandleFunc(auth.OIDCCallbackPath, oidcHandlers.CallbackHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/logout", oidcHandlers.LogoutHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/session", oidcHandlers.SessionCheckHandler).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/admin").Subrouter()
	impHandlers.RegisterRoutes(admin, sessionMW)

	// Mutations on the business API are attributed to the impersonation
	// session while one is active.
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(sessionMW.RequireAuthHandler)
	api.Use(impersonation.AuditMiddleware(recorder, "/api/v1"))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 3)

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var taskServer *tasks.Server
	var scheduler *tasks.Scheduler
	if cfg.Redis.Addr != "" {
		redisOpt := tasks.RedisOpt(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

		serverCfg := tasks.DefaultServerConfig(redisOpt)
		if cfg.Worker.Concurrency > 0 {
			serverCfg.Concurrency = cfg.Worker.Concurrency
		}
		taskServer = tasks.NewServer(serverCfg)
		taskServer.HandleFunc(tasks.TaskTypeImpersonationSweep, tasks.NewSweepHandler(manager))

		scheduler = tasks.NewScheduler(redisOpt)
		if err := scheduler.RegisterSweep(cfg.Impersonation.SweepInterval); err != nil {
			return err
		}

		go func() {
			if err := taskServer.Run(); err != nil {
				errCh <- err
			}
		}()
		go func() {
			if err := scheduler.Run(); err != nil {
				errCh <- err
			}
		}()
	} else {
		log.Info().Msg("Redis not configured, background sweep disabled")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server error")
	}

	if scheduler != nil {
		scheduler.Shutdown()
	}
	if taskServer != nil {
		taskServer.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
