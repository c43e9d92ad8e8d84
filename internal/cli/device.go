package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"weavectl/internal/api"
	"weavectl/internal/config"
	"weavectl/internal/wgkey"
)

var (
	deviceName      string
	deviceServerURL string
	deviceToken     string
	deviceInsecure  bool
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage device registrations",
}

var deviceInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Generate a device key pair and write the config file",
	Annotations: map[string]string{"writesConfig": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("--config is required: it names the file to write")
		}
		if deviceName == "" || deviceServerURL == "" || deviceToken == "" {
			return fmt.Errorf("--name, --server, and --token are required")
		}

		kp, err := wgkey.NewKeyPair()
		if err != nil {
			return err
		}
		out := config.Config{Device: &config.DeviceConfig{
			Name:          deviceName,
			ServerURL:     deviceServerURL,
			AuthToken:     deviceToken,
			PrivateKey:    kp.Private.String(),
			PublicKey:     kp.Public.String(),
			AllowInsecure: deviceInsecure,
		}}
		if err := config.Validate(out); err != nil {
			return err
		}
		if err := config.Save(cfgFile, out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\npublic key: %s\n", cfgFile, kp.Public)
		return nil
	},
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device's public key with the session server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := deviceClient()
		if err != nil {
			return err
		}
		d, err := client.RegisterDevice(cmd.Context(), api.RegisterDeviceRequest{
			Name:      cfg.Device.Name,
			PublicKey: cfg.Device.PublicKey,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered device %s (%s)\n", d.ID, d.Name)
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := deviceClient()
		if err != nil {
			return err
		}
		devices, err := client.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPUBLIC KEY\tREVOKED\tCREATED")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				d.ID, d.Name, d.PublicKey, d.Revoked, d.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var deviceRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a device and terminate its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := deviceClient()
		if err != nil {
			return err
		}
		if err := client.RevokeDevice(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked device %s\n", args[0])
		return nil
	},
}

func deviceClient() (*api.Client, error) {
	if err := requireSection("device", cfg.Device != nil); err != nil {
		return nil, err
	}
	return api.NewClient(cfg.Device.ServerURL, cfg.Device.AuthToken, api.Options{
		Insecure: cfg.Device.AllowInsecure,
	})
}

func init() {
	deviceInitCmd.Flags().StringVar(&deviceName, "name", "", "device name")
	deviceInitCmd.Flags().StringVar(&deviceServerURL, "server", "", "session server base URL")
	deviceInitCmd.Flags().StringVar(&deviceToken, "token", "", "bearer token for the session server")
	deviceInitCmd.Flags().BoolVar(&deviceInsecure, "allow-insecure", false, "permit http:// server URLs (development only)")

	deviceCmd.AddCommand(deviceInitCmd, deviceRegisterCmd, deviceListCmd, deviceRevokeCmd)
	rootCmd.AddCommand(deviceCmd)
}
