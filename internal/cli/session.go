package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"weavectl/internal/api"
)

var (
	sessionDeviceID string
	sessionWeaverID string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage tunnel sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Authorize a tunnel between a device and a weaver",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := deviceClient()
		if err != nil {
			return err
		}
		if sessionDeviceID == "" || sessionWeaverID == "" {
			return fmt.Errorf("--device and --weaver are required")
		}
		res, err := client.CreateSession(cmd.Context(), api.CreateSessionRequest{
			DeviceID: sessionDeviceID,
			WeaverID: sessionWeaverID,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := deviceClient()
		if err != nil {
			return err
		}
		sessions, err := client.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDEVICE\tWEAVER\tCLIENT IP\tCREATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.DeviceID, s.WeaverID, s.ClientIP, s.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Terminate a session and release its address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := deviceClient()
		if err != nil {
			return err
		}
		if err := client.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "terminated session %s\n", args[0])
		return nil
	},
}

var derpMapCmd = &cobra.Command{
	Use:   "derp-map",
	Short: "Print the server's current relay map",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := deviceClient()
		if err != nil {
			return err
		}
		m, err := client.DerpMap(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionDeviceID, "device", "", "device id")
	sessionCreateCmd.Flags().StringVar(&sessionWeaverID, "weaver", "", "weaver id")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd, derpMapCmd)
}
