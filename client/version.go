package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of Stampede",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("stampede version %s\n", formatVersion(version, commit))

		info, err := api.health(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("server version %s\n", formatVersion(info.Version, info.Commit))
		return nil
	},
}
