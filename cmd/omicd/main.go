// omicd сервис сетевого микрофона и приемник для него
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arzzra/omic/pkg/config"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "omicd",
	Short: "Сетевой микрофон",
	Long: `omicd транслирует звук с устройства захвата по UDP.
Приемник подключается к управляющему порту 8888 и сообщает порт для аудио.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить сервис микрофона",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var listenCmd = &cobra.Command{
	Use:   "listen [server]",
	Short: "Подключиться к сервису и принимать аудио",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runListen,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Показать версию",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "omicd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "файл конфигурации (по умолчанию ./omic.yaml или /etc/omic/omic.yaml)")

	addServeFlags(serveCmd, config.Default())
	addListenFlags(listenCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
