package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lightforgemedia/go-dopclient/pkg/dop"
	"github.com/lightforgemedia/go-dopclient/pkg/filewatcher"
	"github.com/lightforgemedia/go-dopclient/pkg/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a session and print every push until interrupted",
	RunE:  runConsole,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("identity", "", "subject the session is started for")
	_ = runCmd.MarkFlagRequired("identity")
}

// pushLine is one printed push.
type pushLine struct {
	Topic     string         `json:"topic"`
	QoS       byte           `json:"qos"`
	Timestamp time.Time      `json:"timestamp"`
	Message   map[string]any `json:"message"`
}

// printer writes pushes as JSON lines.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) print(raw registry.Raw) {
	line := pushLine{Topic: raw.Topic, QoS: raw.QoS, Timestamp: raw.Timestamp}
	if raw.Message != nil {
		line.Message = map[string]any{
			"session": raw.Message.Session,
			"task":    raw.Message.Task,
			"event":   raw.Message.Event,
			"params":  raw.Message.Params,
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(line)
}

// startClient builds a client from the configuration, connects it and
// starts a session for identity. observe, when set, sees every push;
// abandoned runs when the broker connection is given up.
func startClient(ctx context.Context, cmd *cobra.Command, identity string, observe func(registry.Raw), abandoned func(error)) (*dop.Client, func(), error) {
	cfg, v, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	transport, err := newTransport(transportName)
	if err != nil {
		return nil, nil, err
	}

	client, err := dop.New(cfg,
		dop.WithLogger(logger),
		dop.WithTransport(transport),
		dop.WithUnauthorizedHandler(func(err error) {
			logger.Warn(fmt.Sprintf("Console: session dropped: %v", err))
		}),
		dop.WithAbandonedHandler(abandoned))
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, nil, err
	}
	if observe != nil {
		client.SetMessageHandler(observe)
	}

	stopWatch := watchToken(v, cfg.Token(), client)
	cleanup := func() {
		stopWatch()
		client.Close()
	}

	if err := client.Connect(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := client.StartSession(ctx, identity); err != nil {
		cleanup()
		return nil, nil, err
	}
	return client, cleanup, nil
}

// watchToken reloads the gateway token when auth.token_file changes.
func watchToken(v *viper.Viper, current string, client *dop.Client) func() {
	path := v.GetString("auth.token_file")
	if path == "" || v.IsSet("auth.token") {
		return func() {}
	}
	fw, err := filewatcher.WatchToken(path, current, client.UpdateToken, filewatcher.WithLogger(logger))
	if err != nil {
		logger.Warn(fmt.Sprintf("Console: not watching %s: %v", path, err))
		return func() {}
	}
	return func() { fw.Stop() }
}

func runConsole(cmd *cobra.Command, args []string) error {
	identity, _ := cmd.Flags().GetString("identity")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := newPrinter(cmd.OutOrStdout())
	client, cleanup, err := startClient(ctx, cmd, identity, out.print, cancel)
	if err != nil {
		return err
	}
	defer cleanup()

	s, _ := client.Session()
	logger.Info(fmt.Sprintf("Console: session %s active, waiting for pushes", s.ID))

	<-ctx.Done()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	logger.Info("Console: shutting down")
	return nil
}
