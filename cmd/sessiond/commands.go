package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"loyalty-session/app"
	"loyalty-session/internal/auth"
	"loyalty-session/internal/models"
	"loyalty-session/internal/observability"
)

// withSession builds a runtime over the shared store, runs the startup check
// and hands the controller to fn. Commands log to stderr so stdout stays
// machine readable.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, controller *auth.Controller) error) error {
	runtime, err := app.Build(app.Options{
		LoadDotEnv: true,
		Logger:     observability.NewLoggerTo(cmd.ErrOrStderr()),
	})
	if err != nil {
		return err
	}
	defer runtime.Close()

	ctx := cmd.Context()
	runtime.Controller.Start(ctx)
	return fn(ctx, runtime.Controller)
}

func loginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				read, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = read
			}
			return withSession(cmd, func(ctx context.Context, controller *auth.Controller) error {
				user, err := controller.Login(ctx, email, password)
				if err != nil {
					return errors.New(latestError(controller, err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", user.Email)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (read from stdin when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func signupCmd() *cobra.Command {
	var req models.SignupRequest

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Register a new account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Password == "" {
				read, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				req.Password = read
			}
			return withSession(cmd, func(ctx context.Context, controller *auth.Controller) error {
				user, err := controller.Signup(ctx, req)
				if err != nil {
					return err
				}
				if controller.Snapshot().IsAuthenticated {
					fmt.Fprintf(cmd.OutOrStdout(), "Signed up and logged in as %s\n", user.Email)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed up as %s; confirm your email before logging in\n", user.Email)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&req.Email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&req.Password, "password", "p", "", "Account password (read from stdin when empty)")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "Phone number")
	cmd.Flags().StringVar(&req.TenantID, "tenant", "", "Tenant id")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, controller *auth.Controller) error {
				controller.Logout(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, controller *auth.Controller) error {
				return writeSnapshot(cmd.OutOrStdout(), controller.Snapshot(), output)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json, yaml)")
	return cmd
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-run the session check, refreshing tokens when needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, controller *auth.Controller) error {
				result := controller.RefreshSession(ctx)
				if !result.Success {
					return fmt.Errorf("refresh failed: %s", result.Error)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session active for %s\n", result.User.Email)
				return nil
			})
		},
	}
}

func writeSnapshot(w io.Writer, snapshot auth.Snapshot, format string) error {
	switch strings.ToLower(format) {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(snapshot)
	case "yaml":
		// Round-trip through JSON so both formats share the same keys.
		encoded, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		var generic map[string]any
		if err := json.Unmarshal(encoded, &generic); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return fmt.Errorf("encode snapshot yaml: %w", err)
		}
		_, err = w.Write(out)
		return err
	case "text", "":
		fmt.Fprintf(w, "state: %s\n", snapshot.State)
		if snapshot.User != nil {
			fmt.Fprintf(w, "user: %s (%s)\n", snapshot.User.Email, snapshot.User.ID)
		}
		if snapshot.IsLocked {
			fmt.Fprintf(w, "locked: %ds remaining\n", snapshot.RemainingSeconds)
		} else if snapshot.LoginAttempts > 0 {
			fmt.Fprintf(w, "failed attempts: %d\n", snapshot.LoginAttempts)
		}
		for _, authErr := range snapshot.Errors {
			fmt.Fprintf(w, "error: %s\n", authErr.Message)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// latestError returns the controller's recorded message, which carries the
// remaining-attempts hint.
func latestError(controller *auth.Controller, err error) string {
	if errs := controller.Snapshot().Errors; len(errs) > 0 {
		return errs[len(errs)-1].Message
	}
	return err.Error()
}
