// ABOUTME: Admin CLI for mossy account, credential, and session management
// ABOUTME: Operates directly on the SQLite store using the server config

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/mattholy/mossy/internal/config"
	"github.com/mattholy/mossy/internal/store"
)

const banner = `
  _ __ ___   ___  ___ ___ _   _        __ _  __| |_ __ ___ (_)_ __
 | '_ ' _ \ / _ \/ __/ __| | | |_____ / _' |/ _' | '_ ' _ \| | '_ \
 | | | | | | (_) \__ \__ \ |_| |_____| (_| | (_| | | | | | | | | | |
 |_| |_| |_|\___/|___/___/\__, |      \__,_|\__,_|_| |_| |_|_|_| |_|
                          |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "users":
		err = cmdUsers(ctx, args)
	case "credentials":
		err = cmdCredentials(ctx, args)
	case "sessions":
		err = cmdSessions(ctx, args)
	case "cleanup":
		err = cmdCleanup(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: mossy-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  users list                 List registered accounts")
	fmt.Println("  credentials list <user>    List an account's passkeys")
	fmt.Println("  credentials revoke <id>    Revoke a passkey (kills its sessions)")
	fmt.Println("  sessions list <user>       List an account's sessions")
	fmt.Println("  sessions revoke <id>       Deactivate a session")
	fmt.Println("  cleanup                    Delete expired challenges and sessions")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  MOSSY_CONFIG               Config file path (default: ~/.config/mossy/mossy.yaml)")
	fmt.Println()
}

// getConfigPath mirrors the server's config resolution.
func getConfigPath() string {
	if envPath := os.Getenv("MOSSY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mossy.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mossy", "mossy.yaml")
}

func openStore() (*store.SQLiteStore, *config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return st, cfg, nil
}

func cmdUsers(ctx context.Context, args []string) error {
	if len(args) > 0 && args[0] != "list" {
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	users, err := st.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No accounts registered.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USERNAME\tCREATED")
	fmt.Fprintln(w, "  --------\t-------")
	for _, u := range users {
		fmt.Fprintf(w, "  %s\t%s\n", u.Username, u.CreatedAt.Format("Jan 02 2006 15:04"))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdCredentials(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mossy-admin credentials <list|revoke> ...")
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "list":
		if len(args) < 2 {
			return fmt.Errorf("usage: mossy-admin credentials list <user>")
		}
		creds, err := st.GetCredentialsByUser(ctx, args[1])
		if err != nil {
			return fmt.Errorf("listing credentials: %w", err)
		}
		if len(creds) == 0 {
			fmt.Printf("No passkeys for %s.\n", args[1])
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tDEVICE\tCOUNTER\tSTATUS\tCREATED\tLAST USED")
		fmt.Fprintln(w, "  --\t------\t-------\t------\t-------\t---------")
		for _, c := range creds {
			status := "active"
			if c.Revoked {
				status = "revoked"
			}
			lastUsed := "never"
			if c.LastUsedAt != nil {
				lastUsed = c.LastUsedAt.Format("Jan 02 15:04")
			}
			fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\t%s\n",
				c.ID, c.DeviceClass, c.SignCount, status,
				c.CreatedAt.Format("Jan 02 2006"), lastUsed)
		}
		w.Flush()
		fmt.Println()
		return nil

	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: mossy-admin credentials revoke <id>")
		}
		if err := st.RevokeCredential(ctx, args[1]); err != nil {
			return fmt.Errorf("revoking credential: %w", err)
		}
		color.Green("Credential %s revoked. All its sessions are now invalid.", args[1])
		return nil

	default:
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
}

func cmdSessions(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mossy-admin sessions <list|revoke> ...")
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "list":
		if len(args) < 2 {
			return fmt.Errorf("usage: mossy-admin sessions list <user>")
		}
		sessions, err := st.ListSessionsByUser(ctx, args[1])
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Printf("No sessions for %s.\n", args[1])
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTATUS\tISSUED\tEXPIRES\tCLIENT")
		fmt.Fprintln(w, "  --\t------\t------\t-------\t------")
		for _, s := range sessions {
			status := "active"
			if !s.Active {
				status = "revoked"
			} else if time.Now().After(s.ExpiresAt) {
				status = "expired"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				s.ID, status,
				s.IssuedAt.Format("Jan 02 15:04"),
				s.ExpiresAt.Format("Jan 02 15:04"),
				truncate(s.UserAgent, 40))
		}
		w.Flush()
		fmt.Println()
		return nil

	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: mossy-admin sessions revoke <id>")
		}
		if err := st.SetSessionActive(ctx, args[1], false); err != nil {
			return fmt.Errorf("revoking session: %w", err)
		}
		color.Green("Session %s revoked.", args[1])
		return nil

	default:
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
}

func cmdCleanup(ctx context.Context) error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now()
	if err := st.DeleteExpiredChallenges(ctx, now.Add(-cfg.Auth.ChallengeTTL)); err != nil {
		return fmt.Errorf("deleting expired challenges: %w", err)
	}
	if err := st.DeleteExpiredSessions(ctx, now); err != nil {
		return fmt.Errorf("deleting expired sessions: %w", err)
	}
	color.Green("Cleanup complete.")
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
