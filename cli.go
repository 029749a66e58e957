package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const flagConfig = "config"

func newRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "onramp",
		Short: "Coinbase Onramp / Apple Pay API gateway",
		RunE:  runServeCommand,
	}
	rootCommand.SilenceUsage = true
	rootCommand.PersistentFlags().String(flagConfig, "", "optional YAML config file; environment variables take precedence")
	rootCommand.AddCommand(newServeCommand())
	rootCommand.AddCommand(newGenerateSigningKeyCommand())
	rootCommand.AddCommand(newSignCommand())
	return rootCommand
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	configFilePath, _ := cmd.Flags().GetString(flagConfig)
	gatewayConfig, loadConfigError := loadConfig(configFilePath)
	if loadConfigError != nil {
		return fmt.Errorf("config error: %w", loadConfigError)
	}

	logger, loggerError := newLogger(gatewayConfig.LogLevel, gatewayConfig.LogFormat)
	if loggerError != nil {
		return fmt.Errorf("config error: %w", loggerError)
	}
	defer func() { _ = logger.Sync() }()

	serveContext, stopServe := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopServe()

	limiter, closeLimiter, limiterError := newWindowStore(serveContext, gatewayConfig, logger)
	if limiterError != nil {
		return limiterError
	}
	defer closeLimiter()

	signer := newTokenSigner(gatewayConfig.CDPKeyName, gatewayConfig.CDPKeySecret, logger.Named("signer"))
	if _, signError := signer.Sign(http.MethodPost, gatewayConfig.CDPBaseURL.Host, sessionTokenPath); signError != nil {
		logger.Warn("signing key check failed; API calls will answer 500 until CDP_API_KEY_SECRET is fixed", zap.Error(signError))
	}
	upstream := newCDPClient(gatewayConfig, signer, logger.Named("cdp"))
	httpServer := newHTTPServer(gatewayConfig, newGateway(gatewayConfig, limiter, upstream, logger))

	serveErrors := make(chan error, 1)
	go func() {
		logger.Info("onramp gateway listening",
			zap.String("addr", gatewayConfig.ListenAddress),
			zap.String("environment", gatewayConfig.Environment),
			zap.String("rate_limit_backend", gatewayConfig.RateLimitBackend),
			zap.Int("allowed_origins", len(gatewayConfig.AllowedOrigins)))
		serveErrors <- httpServer.ListenAndServe()
	}()

	select {
	case serveError := <-serveErrors:
		if serveError != nil && !errors.Is(serveError, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", serveError)
		}
		return nil
	case <-serveContext.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", gatewayConfig.ShutdownTimeout))
	shutdownContext, cancelShutdown := context.WithTimeout(context.Background(), gatewayConfig.ShutdownTimeout)
	defer cancelShutdown()
	if shutdownError := httpServer.Shutdown(shutdownContext); shutdownError != nil {
		return fmt.Errorf("shutdown: %w", shutdownError)
	}
	return nil
}

// newWindowStore builds the configured rate limit backend and its cleanup function.
func newWindowStore(ctx context.Context, gatewayConfig serverConfig, logger *zap.Logger) (windowStore, func(), error) {
	if gatewayConfig.RateLimitBackend != rateLimitBackendRedis {
		memoryLimiter := newRateLimiter(timeNow, gatewayConfig.SweepInterval)
		return memoryLimiter, memoryLimiter.Stop, nil
	}
	redisStore, redisError := newRedisWindowStore(gatewayConfig.RedisURL)
	if redisError != nil {
		return nil, nil, fmt.Errorf("config error: %w", redisError)
	}
	pingContext, cancelPing := context.WithTimeout(ctx, gatewayConfig.UpstreamTimeout)
	defer cancelPing()
	if pingError := redisStore.Ping(pingContext); pingError != nil {
		_ = redisStore.Close()
		return nil, nil, fmt.Errorf("redis unreachable: %w", pingError)
	}
	closeStore := func() {
		if closeError := redisStore.Close(); closeError != nil {
			logger.Warn("closing redis client", zap.Error(closeError))
		}
	}
	return redisStore, closeStore, nil
}

func newGenerateSigningKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-signing-key",
		Short: "Generate a P-256 key in the header-less form accepted by CDP_API_KEY_SECRET",
		Long: "Generate a P-256 private key for local testing against a stub CDP API. " +
			"The key is printed as a bare base64 SEC1 body; the gateway adds PEM delimiters itself.",
		RunE: func(cmd *cobra.Command, args []string) error {
			privateKey, generateError := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if generateError != nil {
				return fmt.Errorf("generate %s: %w", envKeyCDPKeySecret, generateError)
			}
			derBytes, marshalError := x509.MarshalECPrivateKey(privateKey)
			if marshalError != nil {
				return fmt.Errorf("encode %s: %w", envKeyCDPKeySecret, marshalError)
			}
			if _, writeError := fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", envKeyCDPKeySecret, base64.StdEncoding.EncodeToString(derBytes)); writeError != nil {
				return fmt.Errorf("write %s: %w", envKeyCDPKeySecret, writeError)
			}
			return nil
		},
	}
}

func newSignCommand() *cobra.Command {
	var method, host, path string
	signCommand := &cobra.Command{
		Use:   "sign",
		Short: "Print a CDP credential for one request, for use with curl",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFilePath, _ := cmd.Flags().GetString(flagConfig)
			configReader, readerError := newConfigReader(configFilePath)
			if readerError != nil {
				return fmt.Errorf("config error: %w", readerError)
			}
			credential, signError := signRequest(
				configReader.GetString(configKeyCDPKeyName),
				configReader.GetString(configKeyCDPKeySecret),
				method, host, path,
			)
			if signError != nil {
				return signError
			}
			if _, writeError := fmt.Fprintln(cmd.OutOrStdout(), credential.Token); writeError != nil {
				return fmt.Errorf("write credential: %w", writeError)
			}
			return nil
		},
	}
	signCommand.Flags().StringVar(&method, "method", http.MethodPost, "HTTP method of the request")
	signCommand.Flags().StringVar(&host, "host", "api.cdp.coinbase.com", "API host of the request")
	signCommand.Flags().StringVar(&path, "path", sessionTokenPath, "request path")
	return signCommand
}

var randomRead = rand.Read
