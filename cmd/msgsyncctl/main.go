package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/message"
	"github.com/matheus3301/msgsync/internal/profile"
	"github.com/matheus3301/msgsync/internal/status"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Listing profiles needs no daemon.
	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	rest := args[1:]
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "compose":
		cmdCompose(ctx, c, rest, out)
	case "view":
		need(rest, 1, "view <conversation>")
		cmdView(ctx, c, rest[0], out)
	case "retry":
		need(rest, 2, "retry <conversation> <local-id>")
		resp, err := c.Retry(ctx, &api.RetryRequest{ConversationID: rest[0], LocalID: rest[1]})
		check(err)
		out.result(resp, "retrying %s\n", resp.Entry.LocalID())
	case "abandon":
		need(rest, 2, "abandon <conversation> <local-id>")
		resp, err := c.Abandon(ctx, &api.AbandonRequest{ConversationID: rest[0], LocalID: rest[1]})
		check(err)
		out.result(resp, "abandoned %s\n", rest[1])
	case "read":
		need(rest, 1, "read <conversation> [message-id...]")
		resp, err := c.MarkRead(ctx, &api.MarkReadRequest{ConversationID: rest[0], MessageIDs: rest[1:]})
		check(err)
		note := ""
		if !resp.Delivered {
			note = " (server not told yet)"
		}
		out.result(resp, "%d message(s) marked read%s\n", len(resp.Changed), note)
	case "delete":
		need(rest, 2, "delete <conversation> <message-id>")
		resp, err := c.Delete(ctx, &api.DeleteRequest{ConversationID: rest[0], MessageID: rest[1]})
		check(err)
		out.result(resp, "removed: %v\n", resp.Removed)
	case "typing":
		need(rest, 1, "typing <conversation> [on|off]")
		on := len(rest) < 2 || rest[1] != "off"
		resp, err := c.Typing(ctx, &api.TypingRequest{ConversationID: rest[0], Typing: on})
		check(err)
		out.result(resp, "typing: %v\n", on)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: msgsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                                   Show connectivity and queued conversations")
	fmt.Fprintln(os.Stderr, "  compose [--reply-to <id>] <conv> <text>  Queue a message")
	fmt.Fprintln(os.Stderr, "  view <conv>                              Show a conversation")
	fmt.Fprintln(os.Stderr, "  retry <conv> <local-id>                  Retry a failed message")
	fmt.Fprintln(os.Stderr, "  abandon <conv> <local-id>                Drop an unsent message")
	fmt.Fprintln(os.Stderr, "  read <conv> [message-id...]              Mark messages read")
	fmt.Fprintln(os.Stderr, "  delete <conv> <message-id>               Delete a message")
	fmt.Fprintln(os.Stderr, "  typing <conv> [on|off]                   Send a typing indicator")
	fmt.Fprintln(os.Stderr, "  profiles                                 List known profiles")
}

func cmdStatus(ctx context.Context, c *api.Client, out printer) {
	resp, err := c.Status(ctx, &api.StatusRequest{})
	check(err)
	if out.json {
		out.encode(resp)
		return
	}
	fmt.Printf("Profile:    %s\n", resp.Profile)
	fmt.Printf("Connection: %s (since %s)\n", resp.Connection, resp.Since.Local().Format(time.TimeOnly))
	fmt.Printf("Uptime:     %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	if len(resp.OutboxConversations) == 0 {
		fmt.Println("Outbox:     empty")
	} else {
		fmt.Printf("Outbox:     %s\n", strings.Join(resp.OutboxConversations, ", "))
	}
	if resp.DroppedEvents > 0 {
		fmt.Printf("Dropped:    %d bus events\n", resp.DroppedEvents)
	}
}

func cmdCompose(ctx context.Context, c *api.Client, args []string, out printer) {
	fs := flag.NewFlagSet("compose", flag.ExitOnError)
	replyTo := fs.String("reply-to", "", "message id this replies to")
	_ = fs.Parse(args)
	rest := fs.Args()
	need(rest, 2, "compose [--reply-to <id>] <conversation> <text>")

	resp, err := c.Compose(ctx, &api.ComposeRequest{
		ConversationID: rest[0],
		Text:           strings.Join(rest[1:], " "),
		ReplyToID:      *replyTo,
	})
	check(err)
	out.result(resp, "queued %s\n", resp.Message.LocalID)
}

func cmdView(ctx context.Context, c *api.Client, conversationID string, out printer) {
	resp, err := c.View(ctx, &api.ViewRequest{ConversationID: conversationID})
	check(err)
	if out.json {
		out.encode(resp.Snapshot)
		return
	}
	snap := resp.Snapshot
	if snap.Connection != string(status.Online) {
		fmt.Printf("-- %s: messages will be sent when back online --\n", strings.ToLower(snap.Connection))
	}
	if snap.Syncing {
		fmt.Println("-- syncing --")
	}
	for _, m := range snap.Messages {
		fmt.Println(formatMessage(m))
	}
}

func formatMessage(m message.Message) string {
	var mark string
	switch m.Status {
	case message.StatusPending:
		mark = " [pending]"
	case message.StatusFailed:
		mark = " [failed: retry " + m.LocalID + "]"
	default:
		if m.IsMine && len(m.ReadBy) > 0 {
			mark = " [read]"
		}
	}
	return fmt.Sprintf("%s  %-12s %s%s", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Text, mark)
}

func cmdProfiles(jsonOut bool) {
	names, err := profile.List()
	check(err)
	type entry struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		PID     int    `json:"pid,omitempty"`
	}
	var entries []entry
	for _, n := range names {
		pid, err := lock.Holder(profile.Dir(n))
		entries = append(entries, entry{Name: n, Running: err == nil && pid > 0, PID: pid})
	}
	if jsonOut {
		printer{json: true}.encode(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, e := range entries {
		state := "stopped"
		if e.Running {
			state = fmt.Sprintf("running (pid %d)", e.PID)
		}
		fmt.Printf("%-20s %s\n", e.Name, state)
	}
}

type printer struct {
	json bool
}

func (p printer) result(v any, format string, args ...any) {
	if p.json {
		p.encode(v)
		return
	}
	fmt.Printf(format, args...)
}

func (p printer) encode(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: msgsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
