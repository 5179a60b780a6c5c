package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/capclaw/internal/config"
)

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "List installed capabilities and switch the active mode",
}

var capabilitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		composer := newComposer(cfg)
		active := composer.ActiveMode()
		fmt.Printf("Active mode: %s\n", color.CyanString(active))
		caps := composer.List()
		if len(caps) == 0 {
			fmt.Println("No capabilities installed.")
			return nil
		}
		for _, c := range caps {
			marker := " "
			if c.ID == active {
				marker = color.GreenString("*")
			}
			fmt.Printf("%s %s (%s)", marker, c.Name, c.ID)
			if c.Description != "" {
				fmt.Printf(" - %s", c.Description)
			}
			fmt.Println()
		}
		return nil
	},
}

var capabilitiesUseCmd = &cobra.Command{
	Use:   "use <id|auto>",
	Short: "Set the active capability mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if _, err := newComposer(cfg).SetActiveMode(args[0]); err != nil {
			return err
		}
		color.Green("✓ Active mode set to %s (a running gateway picks it up on restart or /mode)", args[0])
		return nil
	},
}

func init() {
	capabilitiesCmd.AddCommand(capabilitiesListCmd, capabilitiesUseCmd)
}
