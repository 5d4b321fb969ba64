package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/tokens"
	"github.com/homelabcmd/hub/pkg/types"
	"github.com/homelabcmd/hub/pkg/vault"
	"github.com/spf13/cobra"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new vault encryption key",
	Long: `Generates a fresh 256-bit encryption key for the credential vault.
Export it as ` + "`HUB_ENCRYPTION_KEY`" + ` before starting the hub. Losing the
key makes every stored credential unreadable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage registration tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a single-use registration token",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		mode, _ := cmd.Flags().GetString("mode")
		name, _ := cmd.Flags().GetString("name")
		services, _ := cmd.Flags().GetStringSlice("services")
		expiry, _ := cmd.Flags().GetInt("expiry-minutes")

		store, err := openStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		authority := tokens.NewAuthority(store)
		token, plaintext, err := authority.MintRegistration(types.AgentMode(mode), name, services, expiry)
		if err != nil {
			return err
		}

		fmt.Println("Registration token created. The plaintext is shown exactly once:")
		fmt.Println()
		fmt.Printf("  %s\n", plaintext)
		fmt.Println()
		fmt.Printf("  Mode:    %s\n", token.Mode)
		fmt.Printf("  Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registration tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := openStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.ListRegistrationTokens()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPREFIX\tMODE\tEXPIRES\tCLAIMED BY")
		for _, t := range list {
			claimedBy := "-"
			if t.ClaimedByServerID != "" {
				claimedBy = t.ClaimedByServerID
			}
			fmt.Fprintf(w, "%s\t%s…\t%s\t%s\t%s\n",
				t.ID, t.Prefix, t.Mode, t.ExpiresAt.Format(time.RFC3339), claimedBy)
		}
		return w.Flush()
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token-id>",
	Short: "Delete an unclaimed registration token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := openStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteRegistrationToken(args[0]); err != nil {
			return err
		}
		fmt.Printf("Token %s revoked\n", args[0])
		return nil
	},
}

func openStore(dataDir string) (*storage.BoltStore, error) {
	log.Init(log.Config{Level: log.WarnLevel})
	return storage.NewBoltStore(dataDir)
}

func init() {
	for _, cmd := range []*cobra.Command{tokenCreateCmd, tokenListCmd, tokenRevokeCmd} {
		cmd.Flags().String("data-dir", "/var/lib/homelab-hub", "Hub data directory")
	}
	tokenCreateCmd.Flags().String("mode", "readonly", "Agent mode (readonly or readwrite)")
	tokenCreateCmd.Flags().String("name", "", "Display name for the server")
	tokenCreateCmd.Flags().StringSlice("services", nil, "Systemd units the agent should monitor")
	tokenCreateCmd.Flags().Int("expiry-minutes", tokens.DefaultExpiryMinutes, "Token lifetime in minutes")

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}
