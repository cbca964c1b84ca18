// Concierge CLI - command line client for the Concierge assistant
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/eldtechnologies/concierge/clients/go/concierge"
	"github.com/eldtechnologies/concierge/internal/thread"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := concierge.NewClient(os.Getenv("CONCIERGE_URL"), os.Getenv("CONCIERGE_TOKEN"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := os.Args[1]
	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		if resp != nil {
			printJSON(resp)
		}
		exitOnError(err)

	case "threads":
		threads, err := client.Threads(ctx, 20)
		exitOnError(err)
		for _, t := range threads {
			fmt.Printf("  %s  %s (%s)\n", t.ID, t.Title, t.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}

	case "thread":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: concierge thread <id>")
			os.Exit(1)
		}
		t, err := client.Thread(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("# %s\n\n", t.Title)
		for _, item := range t.Items {
			printItem(os.Stdout, item)
		}

	case "ask", "calendar", "qa":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: concierge %s <message> [thread_id]\n", cmd)
			os.Exit(1)
		}
		req := concierge.TurnRequest{Message: os.Args[2]}
		if len(os.Args) > 3 {
			req.ConversationID = os.Args[3]
		}
		route := map[string]concierge.Route{
			"ask":      concierge.RouteAuto,
			"calendar": concierge.RouteCalendar,
			"qa":       concierge.RouteQA,
		}[cmd]

		r := &renderer{out: os.Stdout, in: bufio.NewReader(os.Stdin), client: client, ctx: ctx}
		exitOnError(client.Run(ctx, route, req, r.handle))
		if r.threadID != "" {
			fmt.Printf("\n(thread %s)\n", r.threadID)
		}

	case "approve", "deny":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: concierge %s <approval_id>\n", cmd)
			os.Exit(1)
		}
		exitOnError(client.Decide(ctx, os.Args[2], cmd == "approve"))
		fmt.Println("Recorded.")

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// renderer prints a streamed turn and asks the user about sensitive tools.
type renderer struct {
	out      io.Writer
	in       *bufio.Reader
	client   *concierge.Client
	ctx      context.Context
	threadID string
	printed  int // runes of the assistant reply already written
}

func (r *renderer) handle(ev thread.Event) error {
	switch e := ev.(type) {
	case thread.ThreadCreated:
		r.threadID = e.Thread.ID
	case thread.ItemUpdated:
		if len(e.Update.Content) == 0 {
			return nil
		}
		text := []rune(e.Update.Content[0].Text)
		if len(text) > r.printed {
			fmt.Fprint(r.out, string(text[r.printed:]))
			r.printed = len(text)
		}
	case thread.ItemDone:
		switch item := e.Item.(type) {
		case *thread.ClientToolCallItem:
			fmt.Fprintf(r.out, "\n  [%s %s]\n", item.Name, item.Status)
		case *thread.AssistantMessageItem:
			fmt.Fprintln(r.out)
			r.printed = 0
		}
	case thread.ProgressUpdate:
		fmt.Fprintf(r.out, "\n  ... %s\n", e.Text)
	case thread.ToolApprovalRequested:
		return r.approve(e)
	case thread.ErrorEvent:
		return fmt.Errorf("%s: %s", e.Code, e.Message)
	}
	return nil
}

func (r *renderer) approve(e thread.ToolApprovalRequested) error {
	args, _ := json.MarshalIndent(e.ToolArguments, "    ", "  ")
	fmt.Fprintf(r.out, "\n  %s wants to run with:\n    %s\n  Allow? [y/N] ", e.ToolName, args)

	line, err := r.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return r.client.Decide(r.ctx, e.ApprovalID, answer == "y" || answer == "yes")
}

func printItem(w io.Writer, item thread.Item) {
	switch it := item.(type) {
	case *thread.UserMessageItem:
		for _, c := range it.Content {
			fmt.Fprintf(w, "> %s\n", c.Text)
		}
		if len(it.Attachments) > 0 {
			fmt.Fprintf(w, "> [%d image(s)]\n", len(it.Attachments))
		}
	case *thread.AssistantMessageItem:
		for _, c := range it.Content {
			fmt.Fprintln(w, c.Text)
		}
		fmt.Fprintln(w)
	case *thread.ClientToolCallItem:
		fmt.Fprintf(w, "  [%s %s]\n", it.Name, it.Status)
	}
}

func usage() {
	fmt.Println(`Concierge CLI - personal assistant client

Usage: concierge <command> [options]

Commands:
  ask <message> [thread]       Send a message, routed by intent
  calendar <message> [thread]  Send a message to the calendar agent
  qa <message> [thread]        Send a message to the question answerer
  threads                      List recent threads
  thread <id>                  Show a thread
  approve <approval_id>        Approve a pending tool call
  deny <approval_id>           Deny a pending tool call
  health                       Check server health

Environment:
  CONCIERGE_URL     Server URL (default: http://localhost:8080)
  CONCIERGE_TOKEN   Session token`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
