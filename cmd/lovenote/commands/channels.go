package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
	"github.com/lovenote/lovenote/pkg/lovenote/store"
)

// newChannelsCmd creates `lovenote channels` for managing stored channel
// configs.
func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channels",
		Aliases: []string{"channel"},
		Short:   "Manage stored channel configs",
	}
	cmd.AddCommand(newChannelsAddCmd(), newChannelsGetCmd(), newChannelsListCmd(), newChannelsRmCmd())
	return cmd
}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("user", "u", "", "user id owning the channel")
	cmd.Flags().StringP("platform", "p", "", "telegram, whatsapp or discord")
}

func identityFromFlags(cmd *cobra.Command) (channels.Identity, error) {
	user, _ := cmd.Flags().GetString("user")
	name, _ := cmd.Flags().GetString("platform")
	p, err := channels.ParsePlatform(name)
	if err != nil {
		return channels.Identity{}, err
	}
	id := channels.NewIdentity(strings.TrimSpace(user), p)
	return id, id.Validate()
}

func newChannelsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or replace a channel config",
		Long: `Create or replace the config of one user's channel. Missing values are
prompted for when stdin is a terminal.

Examples:
  lovenote channels add --user alice --platform telegram --token 123:abc
  lovenote channels add --user alice --platform whatsapp --phone 5511999999999
  lovenote channels add`,
		RunE: runChannelsAdd,
	}
	addIdentityFlags(cmd)
	cmd.Flags().String("token", "", "bot token (telegram, discord)")
	cmd.Flags().String("phone", "", "phone number for a pairing code (whatsapp)")
	cmd.Flags().String("session-dir", "", "session directory override (whatsapp)")
	cmd.Flags().Bool("disabled", false, "store the channel switched off")
	return cmd
}

// channelForm holds the values collected by flags and prompts.
type channelForm struct {
	user     string
	platform string
	token    string
	phone    string
}

func runChannelsAdd(cmd *cobra.Command, _ []string) error {
	var f channelForm
	f.user, _ = cmd.Flags().GetString("user")
	f.platform, _ = cmd.Flags().GetString("platform")
	f.token, _ = cmd.Flags().GetString("token")
	f.phone, _ = cmd.Flags().GetString("phone")
	sessionDir, _ := cmd.Flags().GetString("session-dir")
	disabled, _ := cmd.Flags().GetBool("disabled")

	if needsPrompt(f) {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("%w: --user, --platform and --token (for token platforms) are required",
				channels.ErrConfigurationInvalid)
		}
		if err := promptChannel(&f); err != nil {
			return err
		}
	}

	p, err := channels.ParsePlatform(f.platform)
	if err != nil {
		return err
	}
	id := channels.NewIdentity(strings.TrimSpace(f.user), p)
	cfg := channels.Config{
		Token:       strings.TrimSpace(f.token),
		PhoneNumber: strings.TrimSpace(f.phone),
		SessionDir:  sessionDir,
		Enabled:     !disabled,
	}
	if !p.SessionBased() && cfg.Token == "" {
		return fmt.Errorf("%w: %s needs a bot token", channels.ErrConfigurationInvalid, p)
	}

	appCfg, logger, err := commandSetup(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), appCfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SaveChannelConfig(cmd.Context(), id, cfg); err != nil {
		return err
	}
	printf(cmd, "Saved %s (enabled=%t).\n", id, cfg.Enabled)
	return nil
}

func needsPrompt(f channelForm) bool {
	if f.user == "" || f.platform == "" {
		return true
	}
	p, err := channels.ParsePlatform(f.platform)
	return err == nil && !p.SessionBased() && f.token == ""
}

// promptChannel asks for every value still missing.
func promptChannel(f *channelForm) error {
	var fields []huh.Field
	if f.user == "" {
		fields = append(fields, huh.NewInput().Title("User ID").Value(&f.user).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("required")
				}
				return nil
			}))
	}
	if f.platform == "" {
		fields = append(fields, huh.NewSelect[string]().Title("Platform").
			Options(huh.NewOptions("telegram", "whatsapp", "discord")...).Value(&f.platform))
	}
	if len(fields) > 0 {
		if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			return err
		}
	}

	p, err := channels.ParsePlatform(f.platform)
	if err != nil {
		return err
	}
	var second huh.Field
	switch {
	case !p.SessionBased() && f.token == "":
		second = huh.NewInput().Title("Bot token").EchoMode(huh.EchoModePassword).Value(&f.token)
	case p == channels.PlatformWhatsApp && f.phone == "":
		second = huh.NewInput().Title("Phone number for a pairing code (optional)").Value(&f.phone)
	default:
		return nil
	}
	return huh.NewForm(huh.NewGroup(second)).Run()
}

func newChannelsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a channel config with its token redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := identityFromFlags(cmd)
			if err != nil {
				return err
			}
			cfg, logger, err := commandSetup(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printRecords(cmd, []store.Record{rec})
		},
	}
	addIdentityFlags(cmd)
	return cmd
}

func newChannelsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List channel configs, optionally of one user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			cfg, logger, err := commandSetup(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.List(cmd.Context(), user)
			if err != nil {
				return err
			}
			return printRecords(cmd, recs)
		},
	}
	cmd.Flags().StringP("user", "u", "", "only this user's channels")
	return cmd
}

func newChannelsRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rm",
		Aliases: []string{"remove"},
		Short:   "Delete a channel config",
		Long: `Delete a channel config. A running server keeps an already started
channel until it is disconnected through the gateway.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := identityFromFlags(cmd)
			if err != nil {
				return err
			}
			cfg, logger, err := commandSetup(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteChannelConfig(cmd.Context(), id); err != nil {
				return err
			}
			printf(cmd, "Removed %s.\n", id)
			return nil
		},
	}
	addIdentityFlags(cmd)
	return cmd
}

func printRecords(cmd *cobra.Command, recs []store.Record) error {
	out := make([]store.Record, len(recs))
	for i, r := range recs {
		r.Config = r.Config.Redacted()
		out[i] = r
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
