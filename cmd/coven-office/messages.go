// ABOUTME: Message commands: send to an agent and watch a live conversation
// ABOUTME: Prints agent replies and proactive messages as they arrive

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-office/internal/channel"
)

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	typ := fs.String("type", string(channel.TypeChat), "message type (auto, task, command, question, chat, email)")
	wait := fs.Duration("wait", 0, "wait this long for the agent to answer")
	meta := fs.String("meta", "", "JSON object attached as metadata")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: coven-office send [-type T] [-wait D] [-meta JSON] AGENT TEXT")
	}
	agentID := fs.Arg(0)
	content := strings.Join(fs.Args()[1:], " ")

	var metadata map[string]any
	if *meta != "" {
		if err := json.Unmarshal([]byte(*meta), &metadata); err != nil {
			return fmt.Errorf("parsing -meta: %w", err)
		}
	}

	o, err := openOffice(true)
	if err != nil {
		return err
	}
	defer o.Close()

	if *wait <= 0 {
		id, err := o.channel.Send(ctx, channel.AdminSender, agentID, channel.MessageType(*typ), content, metadata)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s\n", id)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()

	conv, err := o.channel.OpenConversation(waitCtx, agentID, channel.AdminSender)
	if err != nil {
		return err
	}

	id, err := conv.Send(waitCtx, channel.MessageType(*typ), content, metadata)
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s, waiting for %s...\n", id, agentID)

	for {
		select {
		case msgs := <-conv.Updates():
			for _, m := range msgs {
				if m.ID == id && !m.Status.Open() {
					printMessage(m, agentID)
					return nil
				}
			}
		case <-conv.Done():
			fmt.Println(color.YellowString("No answer within %s.", *wait))
			return nil
		}
	}
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	autoFail := fs.Bool("autofail", false, "fail messages the agent never picks up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: coven-office watch [-autofail] AGENT")
	}
	agentID := fs.Arg(0)

	o, err := openOffice(true)
	if err != nil {
		return err
	}
	defer o.Close()

	if *autoFail {
		failer := o.autoFailer(agentID)
		go func() {
			if err := failer.Run(ctx); err != nil {
				o.logger.Error("auto-failer stopped", "agent_id", agentID, "error", err)
			}
		}()
	}

	conv, err := o.channel.OpenConversation(ctx, agentID, channel.AdminSender)
	if err != nil {
		return err
	}

	// Fingerprint of what was last printed per message, so a reply or
	// status change reprints the message but an unrelated update does not.
	printed := make(map[string]string)
	for {
		select {
		case msgs := <-conv.Updates():
			for _, m := range msgs {
				key := string(m.Status) + "\x00" + m.Response
				if printed[m.ID] == key {
					continue
				}
				printed[m.ID] = key
				printMessage(m, agentID)
			}
		case <-conv.Done():
			return nil
		}
	}
}

func printMessage(m channel.Message, agentID string) {
	ts := "--:--:--"
	if m.CreatedAt != nil {
		ts = m.CreatedAt.Local().Format(time.TimeOnly)
	}

	from := color.CyanString("%s", m.From)
	if m.IsProactive(agentID) {
		from = color.MagentaString("%s (proactive)", m.From)
	}

	fmt.Printf("%s %s → %s [%s] %s\n",
		color.HiBlackString("%s", ts), from, m.To, m.Type, m.Content)

	switch m.Status {
	case channel.StatusCompleted:
		if m.Response != "" {
			fmt.Printf("    %s %s\n", color.GreenString("↳"), m.Response)
		}
	case channel.StatusFailed:
		fmt.Printf("    %s %s\n", color.RedString("✗"), m.Response)
	default:
		fmt.Println(color.HiBlackString("    %s", m.Status))
	}
}
