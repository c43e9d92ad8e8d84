package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"weavectl/internal/derp"
	"weavectl/internal/wgkey"
)

var derpRegion uint16

var derpPingCmd = &cobra.Command{
	Use:   "derp-ping",
	Short: "Connect to a relay from the server's map and report its key",
	Long: `derp-ping fetches the current relay map, dials the chosen region's
relay, and completes the relay handshake with a throwaway key. Use it to
verify a region is reachable before pointing weavers at it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := deviceClient()
		if err != nil {
			return err
		}
		m, err := client.DerpMap(cmd.Context())
		if err != nil {
			return err
		}
		if len(m.Regions) == 0 {
			return fmt.Errorf("relay map is empty")
		}

		region := derpRegion
		if region == 0 {
			// Lowest region id for a deterministic default.
			ids := make([]int, 0, len(m.Regions))
			for id := range m.Regions {
				ids = append(ids, int(id))
			}
			sort.Ints(ids)
			region = uint16(ids[0])
		}
		r, ok := m.Regions[region]
		if !ok {
			return fmt.Errorf("region %d not in relay map", region)
		}

		addr, serverName, err := derp.RegionAddr(r)
		if err != nil {
			return err
		}
		kp, err := wgkey.NewKeyPair()
		if err != nil {
			return err
		}

		dc := derp.NewClient(kp, addr, serverName, derp.Options{}, log)
		if err := dc.Connect(cmd.Context()); err != nil {
			return err
		}
		defer dc.Close()

		if err := dc.SendKeepalive(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "region %d (%s): relay %s ok, server key %s\n",
			region, r.RegionCode, addr, dc.ServerPublicKey())
		return nil
	},
}

func init() {
	derpPingCmd.Flags().Uint16Var(&derpRegion, "region", 0, "region id to probe (0: lowest id in the map)")
	rootCmd.AddCommand(derpPingCmd)
}
