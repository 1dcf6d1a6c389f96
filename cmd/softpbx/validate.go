package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/soft_pbx/internal/config"
	"github.com/arzzra/soft_pbx/pkg/dialplan"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Проверить конфигурацию и диалплан",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config: OK (sip %s, rtp %d-%d, codecs %v)\n",
			cfg.SIP.Listen, cfg.RTP.PortMin, cfg.RTP.PortMax, cfg.Codecs)

		if cfg.Dialplan.File == "" {
			fmt.Fprintln(out, "dialplan: not configured")
			return nil
		}
		plan, err := dialplan.LoadStatic(cfg.Dialplan.File, dialplan.NewRegistrar())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "dialplan: OK (%d rules)\n", len(plan.Rules()))
		return nil
	},
}
