package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/KafClaw/capclaw/internal/config"
	"github.com/KafClaw/capclaw/internal/integrations"
)

var noQR bool

var integrationsCmd = &cobra.Command{
	Use:   "integrations",
	Short: "List and connect integration hub accounts",
}

var integrationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected integrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		hub, err := configuredHub()
		if err != nil {
			return err
		}
		conns, err := hub.ListConnections(context.Background())
		if err != nil {
			return err
		}
		if len(conns) == 0 {
			fmt.Println("No integrations connected.")
			return nil
		}
		for _, c := range conns {
			status := color.YellowString(c.Status)
			if strings.EqualFold(c.Status, "active") {
				status = color.GreenString(c.Status)
			}
			fmt.Printf("%-20s %-10s %s\n", c.App, status, c.AccountID)
		}
		return nil
	},
}

var integrationsConnectCmd = &cobra.Command{
	Use:   "connect <app>",
	Short: "Connect an integration and print the authorization link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hub, err := configuredHub()
		if err != nil {
			return err
		}
		ctx := context.Background()
		app := strings.ToLower(args[0])
		params, err := hub.RequiredParams(ctx, app)
		if err != nil {
			return err
		}
		values, err := promptParams(bufio.NewReader(os.Stdin), params)
		if err != nil {
			return err
		}
		link, err := hub.Connect(ctx, app, values)
		if err != nil {
			return err
		}
		if link == "" {
			color.Green("✓ %s connected", app)
			return nil
		}
		fmt.Printf("Open this link to connect %s:\n%s\n", app, link)
		if !noQR {
			if qr, err := qrcode.New(link, qrcode.Medium); err == nil {
				fmt.Println(qr.ToSmallString(false))
			}
		}
		return nil
	},
}

func init() {
	integrationsConnectCmd.Flags().BoolVar(&noQR, "no-qr", false, "Do not print the link as a QR code")
	integrationsCmd.AddCommand(integrationsListCmd, integrationsConnectCmd)
}

func configuredHub() (*integrations.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	hub := newHub(cfg)
	if !hub.Configured() {
		return nil, errors.New("integration hub is not configured (set tools.hub.baseUrl and tools.hub.apiKey)")
	}
	return hub, nil
}

// promptParams asks for each parameter on the terminal, in order.
func promptParams(in *bufio.Reader, params []integrations.Param) (map[string]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(params))
	for _, p := range params {
		fmt.Printf("%s", p.Label())
		if p.Description != "" {
			fmt.Printf(" (%s)", p.Description)
		}
		fmt.Print(": ")
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("read %s: %w", p.Name, err)
		}
		values[p.Name] = strings.TrimSpace(line)
	}
	return values, nil
}
