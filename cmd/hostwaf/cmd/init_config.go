package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostwaf/hostwaf/internal/config"
)

var initConfigPath string

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a starter configuration file",
	Long:  `Write a commented starter hostwaf.yaml. Refuses to overwrite an existing file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(initConfigPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", initConfigPath)
		return nil
	},
}

func init() {
	initConfigCmd.Flags().StringVarP(&initConfigPath, "output", "o", "hostwaf.yaml", "output path")
	rootCmd.AddCommand(initConfigCmd)
}
