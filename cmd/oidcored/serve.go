// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/consent"
	"github.com/stacklok/oidcore/pkg/dcr"
	"github.com/stacklok/oidcore/pkg/discovery"
	"github.com/stacklok/oidcore/pkg/grants"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/server"
	"github.com/stacklok/oidcore/pkg/validate"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		RunE:  runServe,
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "Listen address")
	flags.String("issuer", "http://localhost:8080", "Issuer identifier")
	flags.String("key-dir", "", "Directory with PEM signing keys (ephemeral ES256 key when empty)")
	flags.String("signing-key", "", "Primary signing key file within the key directory")
	flags.String("redis-addr", "", "Redis address for the token registry (in-memory when empty)")
	flags.String("redis-password", "", "Redis password")
	flags.String("certificate-header", "", "Header carrying the forwarded TLS client certificate")
	flags.Bool("require-signed-request-object", false, "Require signatures on JAR request objects")
	flags.Bool("enable-registration", false, "Enable dynamic client registration")
	flags.Bool("enable-device-flow", true, "Enable the device authorization grant")
	flags.Bool("enable-ciba", false, "Enable backchannel authentication")
	flags.Bool("enable-par", true, "Enable pushed authorization requests")
	flags.Duration("access-token-lifetime", time.Hour, "Access token lifetime")
	flags.String("config", "", "Config file path")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("OIDCORE")
	viper.AutomaticEnv()

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer := viper.GetString("issuer")

	provider, err := buildKeyProvider()
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	reg, cleanup, err := buildRegistry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize token registry: %w", err)
	}
	defer cleanup()

	httprcClient := httprc.NewClient()
	jwksCache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	engine := jwt.NewEngine()
	clients := client.NewMemoryStore()
	tokenEndpoint := issuer + discovery.PathToken

	authenticator := clientauth.New(clientauth.Config{
		Clients:           clients,
		Registry:          reg,
		Engine:            engine,
		TokenEndpoint:     tokenEndpoint,
		CertificateHeader: viper.GetString("certificate-header"),
		JWKSCache:         jwksCache,
		Logger:            logger,
	})

	validator := validate.New(validate.Config{
		Clients:                    clients,
		Authenticator:              authenticator,
		Engine:                     engine,
		Keys:                       provider,
		Registry:                   reg,
		Issuer:                     issuer,
		RequireSignedRequestObject: viper.GetBool("require-signed-request-object"),
		Logger:                     logger,
	})

	grantStore := grants.NewMemoryStore()
	defer func() { _ = grantStore.Close() }()

	grantService := grants.New(grants.Config{
		Store:    grantStore,
		Registry: reg,
		Engine:   engine,
		Keys:     provider,
		Issuer:   issuer,
		Lifetimes: grants.Lifetimes{
			AccessToken: viper.GetDuration("access-token-lifetime"),
		},
		Logger: logger,
	})

	var registrar *dcr.Service
	if viper.GetBool("enable-registration") {
		registrar = dcr.New(dcr.Config{
			Clients:         clients,
			RegistrationURI: issuer + discovery.PathRegistration,
			Logger:          logger,
		})
	}

	srv := server.New(server.Config{
		Issuer:    issuer,
		Validator: validator,
		Grants:    grantService,
		Consent:   consent.NewEngine(nil),
		Registrar: registrar,
		Keys:      provider,
		Discovery: discovery.Config{
			Issuer:                     issuer,
			Scopes:                     []string{"openid", "profile", "email", "offline_access"},
			SigningAlgorithms:          []string{"RS256", "ES256"},
			AuthMethods:                authMethods(),
			EnableRegistration:         registrar != nil,
			EnableDeviceFlow:           viper.GetBool("enable-device-flow"),
			EnableCIBA:                 viper.GetBool("enable-ciba"),
			EnablePAR:                  viper.GetBool("enable-par"),
			RequireSignedRequestObject: viper.GetBool("require-signed-request-object"),
		},
		CertificateHeader: viper.GetString("certificate-header"),
		Logger:            logger,
	})

	httpServer := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authorization server listening",
			"addr", httpServer.Addr,
			"issuer", issuer,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

func buildKeyProvider() (keys.Provider, error) {
	keyDir := viper.GetString("key-dir")
	if keyDir == "" {
		return keys.NewGeneratingProvider("ES256"), nil
	}
	return keys.NewFileProvider(keys.FileConfig{
		KeyDir:         keyDir,
		SigningKeyFile: viper.GetString("signing-key"),
	})
}

func buildRegistry(ctx context.Context) (registry.Registry, func(), error) {
	addr := viper.GetString("redis-addr")
	if addr == "" {
		mem := registry.NewMemoryRegistry()
		return mem, func() { _ = mem.Close() }, nil
	}
	redisReg, err := registry.NewRedisRegistry(ctx, registry.RedisConfig{
		Addr:      addr,
		Password:  viper.GetString("redis-password"),
		KeyPrefix: "oidcore:jti:",
	})
	if err != nil {
		return nil, nil, err
	}
	return redisReg, func() { _ = redisReg.Close() }, nil
}

func authMethods() []string {
	return []string{
		"client_secret_basic", "client_secret_post",
		"client_secret_jwt", "private_key_jwt",
		"tls_client_auth", "self_signed_tls_client_auth", "none",
	}
}
