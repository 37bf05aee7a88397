package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/groupclaw/internal/bootstrap"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter config, prompt templates and .env example",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			created, err := bootstrap.EnsureFiles(dir)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Println("nothing to do; files already exist")
				return nil
			}
			for _, f := range created {
				fmt.Println("created", f)
			}
			return nil
		},
	}
}
