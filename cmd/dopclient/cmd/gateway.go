package cmd

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

	"github.com/lightforgemedia/go-dopclient/internal/devgateway"
	"github.com/lightforgemedia/go-dopclient/pkg/auth"
	"github.com/lightforgemedia/go-dopclient/pkg/broker/nats"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the development gateway",
	Long: `gateway serves the session and imperative endpoints and answers on the
session topics. Pushes go to the built-in websocket hub at /ws, or to a
NATS server when --nats-url is set.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().String("addr", ":8080", "listen address")
	gatewayCmd.Flags().String("main-topic", "events/", "session topic prefix")
	gatewayCmd.Flags().String("nats-url", "", "publish pushes to this NATS server instead of the hub")
	gatewayCmd.Flags().String("jwt-secret", "", "require bearer tokens signed with this HMAC secret")
	gatewayCmd.Flags().Duration("token-ttl", time.Hour, "lifetime of issued session tokens")
	gatewayCmd.Flags().StringSlice("allowed-origin", nil, "browser origins allowed by CORS (\"*\" for any)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	mainTopic, _ := cmd.Flags().GetString("main-topic")
	natsURL, _ := cmd.Flags().GetString("nats-url")
	secret, _ := cmd.Flags().GetString("jwt-secret")
	ttl, _ := cmd.Flags().GetDuration("token-ttl")
	origins, _ := cmd.Flags().GetStringSlice("allowed-origin")

	opts := []devgateway.Option{
		devgateway.WithLogger(logger),
		devgateway.WithMainTopic(mainTopic),
		devgateway.WithAllowedOrigins(origins...),
	}
	if natsURL != "" {
		pub, err := nats.NewPublisher(natsURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, devgateway.WithPublisher(pub))
	}
	if secret != "" {
		signer, err := auth.NewSigner(secret, "dopclient-gateway")
		if err != nil {
			return err
		}
		opts = append(opts, devgateway.WithSigner(signer, ttl))
		token, err := signer.Issue("console", "", ttl)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "bearer token for clients: %s\n", token)
	}

	gw := devgateway.New(opts...)
	defer gw.Close()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Gateway: listening on %s", addr))
		serverErrChan <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErrChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-sigChan:
		logger.Info("Gateway: shutting down")
		gw.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
}
