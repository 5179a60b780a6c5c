package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/capclaw/internal/config"
	"github.com/KafClaw/capclaw/internal/scheduler"
)

var (
	schedCron        string
	schedTimezone    string
	schedPrompt      string
	schedOutput      string
	schedDescription string
	schedChat        string
	schedConfirm     bool
	schedFetch       []string
)

var schedulesCmd = &cobra.Command{
	Use:     "schedules",
	Aliases: []string{"schedule"},
	Short:   "Manage scheduled workflows",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules with their next run",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openScheduleStore()
		if err != nil {
			return err
		}
		entries := store.List()
		if len(entries) == 0 {
			fmt.Println("No schedules configured.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCRON\tTZ\tSTATE\tNEXT RUN\tDESCRIPTION")
		now := time.Now()
		for _, e := range entries {
			state := color.GreenString("on")
			if !e.Enabled {
				state = color.RedString("off")
			}
			next := "-"
			if t := e.NextRun(now); !t.IsZero() {
				next = t.In(e.Location()).Format(scheduler.TimestampFormat)
			}
			tz := e.Timezone
			if tz == "" {
				tz = "UTC"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Cron, tz, state, next, e.Description)
		}
		return w.Flush()
	},
}

var schedulesCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a schedule (use <capability>:<id> to attach it to a capability)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openScheduleStore()
		if err != nil {
			return err
		}
		fetch, err := parseFetch(schedFetch)
		if err != nil {
			return err
		}
		entry := scheduler.Entry{
			ID:          args[0],
			Cron:        schedCron,
			Timezone:    schedTimezone,
			Description: schedDescription,
			Chat:        schedChat,
		}
		action := scheduler.Action{
			Fetch:                fetch,
			Prompt:               schedPrompt,
			Output:               schedOutput,
			RequiresConfirmation: schedConfirm,
		}
		if err := store.Create(entry, action); err != nil {
			return err
		}
		color.Green("✓ Created schedule %s", args[0])
		return nil
	},
}

var schedulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a schedule and its action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openScheduleStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		color.Green("✓ Deleted schedule %s", args[0])
		return nil
	},
}

var schedulesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(args[0], true)
	},
}

var schedulesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(args[0], false)
	},
}

var schedulesRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a schedule now, without approval, and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		rt, err := buildRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()
		text, err := rt.scheduler.RunNow(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

func init() {
	f := schedulesCreateCmd.Flags()
	f.StringVar(&schedCron, "cron", "", "Cron expression (5 fields or @daily style)")
	f.StringVar(&schedTimezone, "tz", "", "IANA time zone, default UTC")
	f.StringVar(&schedPrompt, "prompt", "", "Instruction given to the agent")
	f.StringVar(&schedOutput, "output", "", "Output template using {{response}} and {{timestamp}}")
	f.StringVar(&schedDescription, "description", "", "Short description")
	f.StringVar(&schedChat, "chat", "", "Destination chat, as chat or channel:chat")
	f.BoolVar(&schedConfirm, "confirm", false, "Ask for approval before delivering")
	f.StringArrayVar(&schedFetch, "fetch", nil, `Tool to run before the prompt, as name or name={"arg":1}`)
	_ = schedulesCreateCmd.MarkFlagRequired("cron")
	_ = schedulesCreateCmd.MarkFlagRequired("prompt")

	schedulesCmd.AddCommand(schedulesListCmd, schedulesCreateCmd, schedulesDeleteCmd,
		schedulesEnableCmd, schedulesDisableCmd, schedulesRunCmd)
}

func openScheduleStore() (*scheduler.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	composer := newComposer(cfg)
	return scheduler.NewStore(cfg.Paths.Workspace, composer.Installed), nil
}

func setScheduleEnabled(id string, enabled bool) error {
	store, err := openScheduleStore()
	if err != nil {
		return err
	}
	if err := store.SetEnabled(id, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	color.Green("✓ Schedule %s %s", id, state)
	return nil
}

// parseFetch reads --fetch values of the form name or name={json}.
func parseFetch(values []string) ([]scheduler.ToolCall, error) {
	calls := make([]scheduler.ToolCall, 0, len(values))
	for _, v := range values {
		name, raw, hasArgs := strings.Cut(v, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("fetch %q: tool name is empty", v)
		}
		call := scheduler.ToolCall{Tool: name}
		if hasArgs {
			if err := json.Unmarshal([]byte(raw), &call.Args); err != nil {
				return nil, fmt.Errorf("fetch %q: %w", v, err)
			}
		}
		calls = append(calls, call)
	}
	return calls, nil
}
