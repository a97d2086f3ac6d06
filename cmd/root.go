package cmd

import (
	"context"

	"github.com/krau/fashionclf/config"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fashionclf",
	Short: "Fashion product image classifier",
	Long:  "Classifies fashion product images into garment categories with pre-trained ONNX models, over HTTP or from the command line.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Load(cfgFile)
	},
	SilenceUsage: true,
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "config file")
	rootCmd.AddCommand(serveCmd, classifyCmd)
}
