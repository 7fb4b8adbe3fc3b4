package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-dopclient/pkg/catalog"
	"github.com/lightforgemedia/go-dopclient/pkg/dop"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
	"github.com/lightforgemedia/go-dopclient/pkg/registry"
)

var sendCmd = &cobra.Command{
	Use:   "send EVENT",
	Short: "Send one imperative and print the push answering it",
	Long: `send starts a session, waits for encryption to be negotiated, sends EVENT
and prints the push carrying the same task id. EVENT is a catalog event
such as rif_news_list or any application-defined name.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().String("identity", "", "subject the session is started for")
	sendCmd.Flags().StringArrayP("param", "p", nil, "param as key=value; JSON values are decoded")
	sendCmd.Flags().String("task", "", "task id (default: random)")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for negotiation and the reply")
	_ = sendCmd.MarkFlagRequired("identity")
}

// parseParams turns key=value pairs into params. Values that parse as JSON
// keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	event := args[0]
	identity, _ := cmd.Flags().GetString("identity")
	pairs, _ := cmd.Flags().GetStringArray("param")
	task, _ := cmd.Flags().GetString("task")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	params, err := parseParams(pairs)
	if err != nil {
		return err
	}
	if task == "" {
		task = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	replies := make(chan registry.Raw, 1)
	observe := func(raw registry.Raw) {
		if raw.Message != nil && raw.Message.TaskID() == task && raw.Message.Event == event {
			select {
			case replies <- raw:
			default:
			}
		}
	}
	client, cleanup, err := startClient(ctx, cmd, identity, observe, func(err error) { cancel() })
	if err != nil {
		return err
	}
	defer cleanup()

	kind := model.Kind(event)
	if !catalog.Privileged(kind) {
		if err := waitEstablished(ctx, client); err != nil {
			return err
		}
	}

	var res dop.Result
	if catalog.Has(kind) {
		res = client.Send(ctx, kind, params, dop.WithTask(task))
	} else {
		res = client.CustomEvent(ctx, event, params, dop.WithTask(task))
	}
	if !res.OK() {
		return fmt.Errorf("%s failed (%d): %s", event, res.Code, res.Message)
	}

	select {
	case raw := <-replies:
		newPrinter(cmd.OutOrStdout()).print(raw)
		if code := raw.Message.ErrCode(); code != 0 {
			return fmt.Errorf("%s answered with error %d", event, code)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no reply to %s (task %s): %w", event, task, ctx.Err())
	}
}

func waitEstablished(ctx context.Context, client *dop.Client) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !client.EncryptionEstablished() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("encryption not established: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
