package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/muvusoft/talkscribe-license/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var hashAdminKeyCmd = &cobra.Command{
	Use:   "hash-admin-key [key]",
	Short: "Print the bcrypt hash for TALKSCRIBE_ADMIN_KEY_HASH",
	Long:  `Hash an admin key for the license server. Without an argument the key is read from the terminal without echo, or from stdin when it is not a terminal.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			var err error
			key, err = readAdminKey(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
		}

		hash, err := server.HashAdminKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func readAdminKey(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Admin key: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read admin key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read admin key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
