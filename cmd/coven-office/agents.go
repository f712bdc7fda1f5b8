// ABOUTME: Presence commands: agents listing, task history and manifesto toggling
// ABOUTME: Renders effective status, progress and the active step with color

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-office/internal/presence"
)

func runAgents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	follow := fs.Bool("follow", false, "keep printing as presence changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	o, err := openOffice(true)
	if err != nil {
		return err
	}
	defer o.Close()

	if !*follow {
		agents, err := o.presence.List(ctx)
		if err != nil {
			return err
		}
		printAgents(agents, o.store.Now(), o.presence.StaleThreshold())
		return nil
	}

	updates, err := o.presence.Listen(ctx)
	if err != nil {
		return err
	}
	for agents := range updates {
		fmt.Println(color.HiBlackString("── %s ──", time.Now().Format("15:04:05")))
		printAgents(agents, o.store.Now(), o.presence.StaleThreshold())
	}
	return nil
}

func statusColor(s presence.Status) *color.Color {
	switch s {
	case presence.StatusWorking:
		return color.New(color.FgGreen, color.Bold)
	case presence.StatusIdle:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printAgents(agents []presence.AgentPresence, now time.Time, threshold time.Duration) {
	if len(agents) == 0 {
		fmt.Println("No agents have reported presence yet.")
		return
	}

	for i := range agents {
		a := &agents[i]
		status := a.EffectiveStatus(now, threshold)

		fmt.Printf("%s %-20s %s", a.Emoji, a.DisplayName, statusColor(status).Sprintf("%-8s", status))
		if a.LastUpdate != nil {
			fmt.Print(color.HiBlackString("  seen %s ago", now.Sub(*a.LastUpdate).Round(time.Second)))
		}
		if a.ManifestoEnabled {
			fmt.Print(color.MagentaString("  manifesto×%d", a.ManifestoInjections))
		}
		fmt.Println()

		if status == presence.StatusOffline {
			continue
		}
		if a.CurrentTask != "" {
			fmt.Printf("    task: %s %s\n", a.CurrentTask, color.YellowString("%d%%", a.TaskProgress))
		}
		if step := a.CurrentStep(); step != nil {
			fmt.Printf("    step %d/%d: %s\n", a.CurrentStepIndex+1, len(a.ExecutionSteps), step.Description)
			if step.Reasoning != "" {
				fmt.Println(color.HiBlackString("      %s", step.Reasoning))
			}
		}
		if a.Notes != "" {
			fmt.Println(color.HiBlackString("    %s", a.Notes))
		}
	}
}

func stepMarker(s presence.StepStatus) string {
	switch s {
	case presence.StepCompleted:
		return color.GreenString("✓")
	case presence.StepCompletedWithIssues:
		return color.YellowString("!")
	case presence.StepFailed:
		return color.RedString("✗")
	case presence.StepInProgress:
		return color.CyanString("▶")
	default:
		return color.HiBlackString("·")
	}
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	count := fs.Int("n", 0, "number of entries (default from config)")
	verbose := fs.Bool("v", false, "show every step")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: coven-office history [-n N] [-v] AGENT")
	}
	agentID := fs.Arg(0)

	o, err := openOffice(true)
	if err != nil {
		return err
	}
	defer o.Close()

	if *count <= 0 {
		*count = o.cfg.History.DefaultCount
	}

	entries, err := o.presence.FetchTaskHistory(ctx, agentID, *count)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No task history for %s.\n", agentID)
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s %s  %s  %d/%d steps  %s\n",
			stepMarker(e.Status),
			e.CompletedAt.Local().Format("2006-01-02 15:04"),
			e.TaskName,
			e.CompletedStepCount, e.StepCount,
			color.HiBlackString("%s", time.Duration(e.TotalDurationMs)*time.Millisecond))
		if !*verbose {
			continue
		}
		for _, s := range e.Steps {
			fmt.Printf("    %s %s", stepMarker(s.Status), s.Description)
			if s.VerificationFlag != "" {
				fmt.Print(color.YellowString("  [%s]", s.VerificationFlag))
			}
			fmt.Println()
			if s.Output != "" {
				fmt.Println(color.HiBlackString("        %s", s.Output))
			}
		}
	}
	return nil
}

func runManifesto(ctx context.Context, args []string) error {
	if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
		return fmt.Errorf("usage: coven-office manifesto AGENT on|off")
	}

	o, err := openOffice(true)
	if err != nil {
		return err
	}
	defer o.Close()

	enabled := args[1] == "on"
	if err := o.presence.ToggleManifesto(ctx, args[0], enabled); err != nil {
		return err
	}
	fmt.Printf("Manifesto %s for %s\n", args[1], args[0])
	return nil
}
