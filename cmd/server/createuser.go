package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"golang.org/x/term"

	"localphotos/internal/auth"
	"localphotos/internal/config"
	"localphotos/internal/models"
)

var createUserCmd = &cobra.Command{
	Use:   "create-user <username>",
	Short: "Create a user or reset its password",
	Long: `create-user asks twice for a password, hashes it with argon2id and
stores it for the given user. An existing user gets the new password.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreateUser,
}

func init() {
	rootCmd.AddCommand(createUserCmd)
}

func runCreateUser(cmd *cobra.Command, args []string) error {
	username := args[0]
	if err := models.ValidateUsername(username); err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	password, err := readPassword(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password, auth.DefaultPasswordParams)
	if err != nil {
		return err
	}

	db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	err = db.SaveUser(cmd.Context(), models.Credential{Username: username, PasswordHash: hash})
	if err = errs.Combine(err, db.Close()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", username)
	return nil
}

// readPassword prompts twice without echo on a terminal. Otherwise two lines
// are read from stdin.
func readPassword(prompt io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	var read func() (string, error)
	if term.IsTerminal(fd) {
		read = func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(prompt)
			return string(b), err
		}
	} else {
		reader := bufio.NewReader(os.Stdin)
		read = func() (string, error) {
			line, err := reader.ReadString('\n')
			if err == io.EOF && line != "" {
				err = nil
			}
			return strings.TrimRight(line, "\r\n"), err
		}
	}

	fmt.Fprint(prompt, "Password: ")
	first, err := read()
	if err != nil {
		return "", err
	}
	fmt.Fprint(prompt, "Confirm password: ")
	second, err := read()
	if err != nil {
		return "", err
	}

	if first != second {
		return "", errs.New("passwords do not match")
	}
	if first == "" {
		return "", errs.New("empty password")
	}
	return first, nil
}
