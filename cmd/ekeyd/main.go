// Command ekeyd runs the E-Key issuance service.
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	ekey "github.com/axent-pl/ekey"
	"github.com/axent-pl/ekey/common"
	"github.com/axent-pl/ekey/common/logx"
	"github.com/axent-pl/ekey/common/sig"
	"github.com/axent-pl/ekey/httpapi"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ekeyd",
		Short: "Ephemeral proof-bound capability key issuance service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("issuer-url", "", "issuer identity URL stamped into tokens (required)")
	flags.String("port", "8080", "listen port")
	flags.String("signing-alg", "ES256", "token signing algorithm (ES256 or EdDSA)")
	flags.String("signing-key-file", "", "PEM private key; an ephemeral key is generated when unset")

	for flag, env := range map[string]string{
		"issuer-url":       "ISSUER_URL",
		"port":             "PORT",
		"signing-alg":      "SIGNING_ALG",
		"signing-key-file": "SIGNING_KEY_FILE",
	} {
		_ = viper.BindPFlag(flag, flags.Lookup(flag))
		_ = viper.BindEnv(flag, env)
	}

	return cmd
}

func run(ctx context.Context) error {
	issuerURL := viper.GetString("issuer-url")
	if issuerURL == "" {
		return fmt.Errorf("issuer-url is required (flag or ISSUER_URL)")
	}

	alg, err := sig.FromName(viper.GetString("signing-alg"))
	if err != nil {
		return err
	}

	key, err := loadKey(alg)
	if err != nil {
		return err
	}

	server := &httpapi.Server{
		Issuer: &ekey.Issuer{
			Issuer: issuerURL,
			Key:    key,
			Clock:  common.SystemClock(),
		},
		Key: key,
	}

	addr := ":" + viper.GetString("port")
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logx.L().Info("ekeyd listening", "addr", addr, "issuer", issuerURL, "alg", alg.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	return srv.Shutdown(shutdownCtx)
}

func loadKey(alg sig.SigAlg) (*sig.SignatureKey, error) {
	keyFile := viper.GetString("signing-key-file")
	if keyFile == "" {
		logx.L().Warn("no signing key file configured, generating an ephemeral key")
		return sig.GenerateSigningKey("ekeyd", alg)
	}
	data, err := os.ReadFile(keyFile) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("could not read signing key: %w", err)
	}
	return sig.LoadSigningKeyPEM("ekeyd", alg, data)
}
