package cli

import (
	"context"
	"net/netip"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"weavectl/internal/daemon"
	"weavectl/internal/engine"
	"weavectl/internal/execx"
	"weavectl/internal/wgkey"
)

var (
	weaverInterface  string
	weaverListenPort int
	weaverMTU        int
)

var weaverCmd = &cobra.Command{
	Use:   "weaver",
	Short: "Run the weaver reconciliation daemon",
}

var weaverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the session server and reconcile peers until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSection("weaver", cfg.Weaver != nil); err != nil {
			return err
		}

		// Without --wg-interface the daemon tracks peers in process only;
		// useful for staging a weaver before granting it net admin.
		var factory daemon.EngineFactory
		if weaverInterface != "" {
			factory = func(ctx context.Context, kp wgkey.KeyPair, meshIP netip.Addr) (engine.Engine, error) {
				eng, err := engine.NewWG(engine.WGConfig{
					Interface:  weaverInterface,
					Address:    meshIP,
					PrefixBits: 64,
					PrivateKey: kp.Private,
					ListenPort: weaverListenPort,
					MTU:        weaverMTU,
				}, execx.NewOSRunner(nil, nil), log)
				if err != nil {
					return nil, err
				}
				if err := eng.Up(ctx); err != nil {
					return nil, err
				}
				return eng, nil
			}
		}

		d := daemon.New(*cfg.Weaver, factory, log)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

func init() {
	weaverRunCmd.Flags().StringVar(&weaverInterface, "wg-interface", "", "kernel WireGuard interface to manage (empty: in-process table only)")
	weaverRunCmd.Flags().IntVar(&weaverListenPort, "listen-port", 0, "WireGuard listen port (0: kernel default)")
	weaverRunCmd.Flags().IntVar(&weaverMTU, "mtu", 0, "interface MTU (0: kernel default)")
	weaverCmd.AddCommand(weaverRunCmd)
	rootCmd.AddCommand(weaverCmd)
}
