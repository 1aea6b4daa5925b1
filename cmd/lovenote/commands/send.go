package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/channels/discord"
	"github.com/lovenote/lovenote/pkg/lovenote/channels/telegram"
	"github.com/lovenote/lovenote/pkg/lovenote/delivery"
)

// newSendCmd creates `lovenote send` for one-off deliveries.
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Deliver one message",
		Long: `Deliver one message from a user's channel.

Without --server the message is sent directly with the stored bot token,
which works for Telegram and Discord. WhatsApp needs the session held by a
running server, so pass --server to deliver through its gateway.

Examples:
  lovenote send --user alice --platform telegram --target 42 "good morning"
  lovenote send --server http://127.0.0.1:8085 --user bob --platform whatsapp --target 5511999999999 "hi"`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSend,
	}
	addIdentityFlags(cmd)
	cmd.Flags().StringP("target", "t", "", "chat, channel or phone to deliver to")
	cmd.Flags().StringP("body", "b", "", "message text (or pass it as the argument)")
	cmd.Flags().String("server", "", "deliver through a running gateway at this URL")
	cmd.Flags().String("token", "", "gateway auth token (defaults to the configured one)")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	id, err := identityFromFlags(cmd)
	if err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")
	body, _ := cmd.Flags().GetString("body")
	if len(args) == 1 {
		body = args[0]
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: message body is required", channels.ErrConfigurationInvalid)
	}
	req := delivery.Request{UserID: id.UserID, Platform: id.Platform, Target: target, Body: body}

	cfg, logger, err := commandSetup(cmd)
	if err != nil {
		return err
	}

	if server, _ := cmd.Flags().GetString("server"); server != "" {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = cfg.Gateway.AuthToken
		}
		if err := postDelivery(cmd.Context(), server, token, req); err != nil {
			return err
		}
		printf(cmd, "Delivered to %s via %s.\n", target, id)
		return nil
	}

	st, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := channels.NewBus(logger)
	d := delivery.New(bus, nil, st, map[channels.Platform]delivery.StatelessSender{
		channels.PlatformTelegram: telegram.NewSender(telegram.Options{}),
		channels.PlatformDiscord:  discord.NewSender(nil),
	}, cfg.DeliveryOptions(), logger)

	if err := d.Deliver(cmd.Context(), req); err != nil {
		return err
	}
	printf(cmd, "Delivered to %s via %s.\n", target, id)
	return nil
}

// postDelivery sends req to POST /api/deliveries of a running gateway.
func postDelivery(ctx context.Context, server, token string, req delivery.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(server, "/")+"/api/deliveries", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("contacting gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var body struct {
		Error    string `json:"error"`
		Category string `json:"category"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if body.Category != "" {
		return fmt.Errorf("gateway returned %s: %s (%s)", resp.Status, body.Error, body.Category)
	}
	return fmt.Errorf("gateway returned %s: %s", resp.Status, body.Error)
}
