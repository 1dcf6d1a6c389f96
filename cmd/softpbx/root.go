package main

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "softpbx",
	Short: "softpbx - программная АТС на SIP/RTP",
	Long: `softpbx принимает SIP вызовы по UDP, маршрутизирует их по статическому
диалплану и соединяет плечи через собственные RTP сессии.

Примеры:
  softpbx serve -c softpbx.yaml
  softpbx validate -c softpbx.yaml`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"путь к файлу конфигурации (YAML, корневой ключ softpbx)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}
