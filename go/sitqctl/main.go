// sitqctl is the operator CLI for a task store file: enqueue tasks, fetch
// results, list tasks, and requeue tasks stuck in_progress after a worker
// crash.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/sitq/sitq/go/client"
	"github.com/sitq/sitq/go/codec"
	"github.com/sitq/sitq/go/store"
)

type storeConfig struct {
	Path string `long:"store" default:"sitq.db" description:"Path of the task store file"`
}

func (c storeConfig) open() (*store.SQLite, error) {
	return store.Open(c.Path)
}

type cmdEnqueue struct {
	storeConfig
	Handler string `long:"handler" required:"true" description:"Registered handler name"`
	Args    string `long:"args" default:"[]" description:"Positional arguments, as a JSON array"`
	Kwargs  string `long:"kwargs" description:"Keyword arguments, as a JSON object"`
	ETA     string `long:"eta" description:"Earliest execution time, RFC 3339 (default: now)"`
}

func (c *cmdEnqueue) Execute(_ []string) error {
	var req = client.EnqueueRequest{Handler: c.Handler}

	if err := json.Unmarshal([]byte(c.Args), &req.Args); err != nil {
		return fmt.Errorf("parsing --args: %w", err)
	}
	if c.Kwargs != "" {
		if err := json.Unmarshal([]byte(c.Kwargs), &req.Kwargs); err != nil {
			return fmt.Errorf("parsing --kwargs: %w", err)
		}
	}
	if c.ETA != "" {
		var eta, err = time.Parse(time.RFC3339, c.ETA)
		if err != nil {
			return fmt.Errorf("parsing --eta: %w", err)
		}
		req.ETA = eta
	}

	var st, err = c.open()
	if err != nil {
		return err
	}
	var cl = client.New(st, codec.NewJSON())
	defer cl.Close()

	taskID, err := cl.Enqueue(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Println(taskID)
	return nil
}

type cmdResult struct {
	storeConfig
	Timeout time.Duration `long:"timeout" default:"0s" description:"How long to wait for a terminal result"`

	Positional struct {
		TaskID string `positional-arg-name:"task-id" required:"true"`
	} `positional-args:"yes"`
}

func (c *cmdResult) Execute(_ []string) error {
	var st, err = c.open()
	if err != nil {
		return err
	}
	var cl = client.New(st, codec.NewJSON())
	defer cl.Close()

	result, err := cl.GetResult(context.Background(), c.Positional.TaskID, c.Timeout)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Println("task is not yet terminal (or does not exist)")
		return nil
	}

	fmt.Printf("task:     %s\n", result.TaskID)
	fmt.Printf("status:   %s\n", statusColor(result.Status).Sprint(result.Status))
	fmt.Printf("enqueued: %s\n", result.EnqueuedAt.Format(time.RFC3339))
	if !result.FinishedAt.IsZero() {
		fmt.Printf("finished: %s\n", result.FinishedAt.Format(time.RFC3339))
	}
	if result.Succeeded() {
		var value, _ = json.Marshal(result.Value)
		fmt.Printf("value:    %s\n", value)
	} else {
		fmt.Printf("error:    %s\n", result.Error)
		if result.Traceback != "" {
			fmt.Printf("traceback:\n%s", result.Traceback)
		}
	}
	return nil
}

type cmdList struct {
	storeConfig
	Status string `long:"status" description:"Filter by status (pending, in_progress, success, failed)"`
	Limit  int    `long:"limit" default:"50" description:"Maximum number of tasks to list"`
}

func (c *cmdList) Execute(_ []string) error {
	var st, err = c.open()
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(context.Background(), store.Status(c.Status), c.Limit)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		fmt.Printf("%s  %-12s  %s\n",
			task.TaskID,
			statusColor(task.Status).Sprint(task.Status),
			task.EnqueuedAt.Format(time.RFC3339),
		)
	}
	return nil
}

type cmdRequeue struct {
	storeConfig

	Positional struct {
		TaskID string `positional-arg-name:"task-id" required:"true"`
	} `positional-args:"yes"`
}

func (c *cmdRequeue) Execute(_ []string) error {
	var st, err = c.open()
	if err != nil {
		return err
	}
	defer st.Close()

	if err = st.Requeue(context.Background(), c.Positional.TaskID); err != nil {
		return err
	}
	fmt.Printf("task %s returned to %s\n",
		c.Positional.TaskID, statusColor(store.StatusPending).Sprint(store.StatusPending))
	return nil
}

func statusColor(s store.Status) *color.Color {
	switch s {
	case store.StatusSuccess:
		return color.New(color.FgGreen)
	case store.StatusFailed:
		return color.New(color.FgRed)
	case store.StatusInProgress:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func main() {
	log.SetLevel(log.WarnLevel)

	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "enqueue", "Enqueue a task", `
Enqueue a task for a registered handler, printing the generated task id.
`, &cmdEnqueue{})

	addCmd(parser, "result", "Fetch a task result", `
Fetch the terminal result of a task, optionally waiting for it to finish.
`, &cmdResult{})

	addCmd(parser, "list", "List tasks", `
List tasks in the store, newest first, optionally filtered by status.
`, &cmdList{})

	addCmd(parser, "requeue", "Requeue a stuck task", `
Return a task stuck in_progress (for example after a worker crash) to
pending, making it eligible for reservation again.
`, &cmdRequeue{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(parser *flags.Parser, a, b, c string, iface interface{}) {
	if _, err := parser.Command.AddCommand(a, b, c, iface); err != nil {
		panic(err)
	}
}
