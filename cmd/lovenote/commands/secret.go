package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lovenote/lovenote/pkg/lovenote/config"
)

// newSecretCmd creates `lovenote secret` for keyring-backed secrets.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
		Long: `Manage secrets stored in the OS keyring under the "lovenote" service.
The key defaults to gateway_token, which serve reads when gateway.auth_token
and LOVENOTE_GATEWAY_TOKEN are both empty.`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretGetCmd(), newSecretDeleteCmd())
	return cmd
}

func secretKey(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return config.KeyGatewayToken
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key]",
		Short: "Store a secret read from the terminal or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := secretKey(args)
			value, err := readSecret(cmd, fmt.Sprintf("Value for %s: ", key))
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("empty secret")
			}
			if err := config.StoreSecret(key, value); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			printf(cmd, "Stored %s in the OS keyring.\n", key)
			return nil
		},
	}
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Show whether a secret is stored",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := secretKey(args)
			value := config.GetSecret(key)
			if value == "" {
				return fmt.Errorf("%s is not stored in the keyring", key)
			}
			if reveal, _ := cmd.Flags().GetBool("reveal"); reveal {
				printf(cmd, "%s\n", value)
				return nil
			}
			printf(cmd, "%s: %s\n", key, mask(value))
			return nil
		},
	}
	cmd.Flags().Bool("reveal", false, "print the secret itself")
	return cmd
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete [key]",
		Aliases: []string{"rm"},
		Short:   "Remove a secret",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := secretKey(args)
			if err := config.DeleteSecret(key); err != nil {
				return err
			}
			printf(cmd, "Deleted %s.\n", key)
			return nil
		},
	}
}

// readSecret reads without echo from a terminal, or one line from the
// command's input otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// mask keeps the last four characters of long secrets.
func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
