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

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/factory"
	"otp-auth-service/internal/handler"
	"otp-auth-service/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := handler.NewRouter(
		handler.NewAuthHandler(f.Services(), cfg),
		cfg,
		f.HealthCheck,
	)

	addr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().TLSConfig()

		if cfg.IsProduction() && cfg.Server.AutoCert {
			runWithAutoCert(f, server, cfg)
			return
		}
	}

	run(f, server, cfg)
}

func run(f *factory.Factory, server *http.Server, cfg *config.Config) {
	go func() {
		var err error
		if cfg.Server.EnableTLS {
			// Certificates come from the TLS manager via GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			util.Warn("TLS disabled, serving plain HTTP",
				util.String("environment", cfg.Environment))
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("server failed", util.ErrorField(err))
		}
	}()

	util.Info("server started",
		util.String("address", server.Addr),
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS))

	waitForShutdown(f, server)
}

// runWithAutoCert serves HTTPS on 443 with ACME-managed certificates and a
// plain listener on 80 for the http-01 challenge.
func runWithAutoCert(f *factory.Factory, server *http.Server, cfg *config.Config) {
	acme := f.TLSManager().AutocertManager()
	if acme == nil {
		util.Fatal("autocert manager unavailable")
	}

	challengeServer := &http.Server{
		Addr:    ":80",
		Handler: acme.HTTPHandler(nil),
	}
	server.Addr = ":443"

	go func() {
		if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("acme challenge server failed", util.ErrorField(err))
		}
	}()

	go func() {
		util.Info("https server started",
			util.String("domain", cfg.Server.Domain))
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("https server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, server, challengeServer)
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	util.Info("shutting down", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("graceful shutdown failed", util.ErrorField(err))
		}
	}

	f.Close()
	util.Sync()
}
