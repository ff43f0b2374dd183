// Command jobctl submits learnflow jobs and follows them through the Status API.
//
// Usage:
//
//	jobctl [-url http://localhost:8080] [-api-key KEY] submit -kind course_content -resource course-42 [-options '{"module_count":4}'] [-wait]
//	jobctl status <job_id>
//	jobctl wait [-timeout 5m] <job_id>
//	jobctl cancel <job_id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/poller"
)

const (
	exitOK        = 0
	exitError     = 1
	exitUsage     = 2
	exitFailed    = 3
	exitCancelled = 4
	exitTimeout   = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("jobctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	baseURL := global.String("url", envOr("LEARNFLOW_URL", "http://localhost:8080"), "Status API base URL")
	apiKey := global.String("api-key", os.Getenv("LEARNFLOW_API_KEY"), "API key sent as X-API-Key")
	verbose := global.Bool("v", false, "log poll retries to stderr")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if global.NArg() == 0 {
		usage(stderr)
		return exitUsage
	}

	cfg := poller.Config{BaseURL: *baseURL, APIKey: *apiKey}
	if *verbose {
		cfg.Logger = log.New(stderr, "[jobctl] ", log.LstdFlags|log.Lmsgprefix)
	}
	client, err := poller.NewClient(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "jobctl: %v\n", err)
		return exitUsage
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "submit":
		return runSubmit(ctx, client, rest, stdout, stderr)
	case "status":
		return runStatus(ctx, client, rest, stdout, stderr)
	case "wait":
		return runWait(ctx, client, rest, stdout, stderr)
	case "cancel":
		return runCancel(ctx, client, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "jobctl: unknown command %q\n", cmd)
		usage(stderr)
		return exitUsage
	}
}

func runSubmit(ctx context.Context, client *poller.Client, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("kind", "", "job kind: course_content, learning_path, enrollment, skill_extraction")
	resource := fs.String("resource", "", "resource id the job works on")
	options := fs.String("options", "", "kind-specific options as a JSON object")
	webhookURL := fs.String("webhook", "", "URL notified when the job finishes")
	wait := fs.Bool("wait", false, "wait for the job to finish")
	timeout := fs.Duration("timeout", poller.DefaultWaitTimeout, "maximum time to wait with -wait")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	req := domain.CreateJobRequest{Kind: *kind, ResourceID: *resource, WebhookURL: *webhookURL}
	if *options != "" {
		if !json.Valid([]byte(*options)) {
			fmt.Fprintln(stderr, "jobctl: -options must be valid JSON")
			return exitUsage
		}
		req.Options = json.RawMessage(*options)
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(stderr, "jobctl: %v\n", err)
		return exitUsage
	}

	accepted, err := client.Submit(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "jobctl: submit: %v\n", err)
		return exitError
	}
	if !*wait {
		return printJSON(stdout, stderr, accepted)
	}
	fmt.Fprintf(stderr, "submitted job %s\n", accepted.JobID)
	return waitFor(ctx, client, accepted.JobID, *timeout, stdout, stderr)
}

func runStatus(ctx context.Context, client *poller.Client, args []string, stdout, stderr io.Writer) int {
	jobID, ok := singleJobID("status", args, stderr)
	if !ok {
		return exitUsage
	}
	job, err := client.Status(ctx, jobID)
	if err != nil {
		fmt.Fprintf(stderr, "jobctl: status: %v\n", err)
		return exitError
	}
	return printJSON(stdout, stderr, job)
}

func runWait(ctx context.Context, client *poller.Client, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", poller.DefaultWaitTimeout, "maximum time to wait")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	jobID, ok := singleJobID("wait", fs.Args(), stderr)
	if !ok {
		return exitUsage
	}
	return waitFor(ctx, client, jobID, *timeout, stdout, stderr)
}

func runCancel(ctx context.Context, client *poller.Client, args []string, stdout, stderr io.Writer) int {
	jobID, ok := singleJobID("cancel", args, stderr)
	if !ok {
		return exitUsage
	}
	job, err := client.Cancel(ctx, jobID)
	if err != nil {
		fmt.Fprintf(stderr, "jobctl: cancel: %v\n", err)
		return exitError
	}
	return printJSON(stdout, stderr, job)
}

func waitFor(ctx context.Context, client *poller.Client, jobID string, timeout time.Duration, stdout, stderr io.Writer) int {
	result, err := client.Wait(ctx, jobID, timeout)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintf(stderr, "jobctl: job %s not found\n", jobID)
		} else {
			fmt.Fprintf(stderr, "jobctl: wait: %v\n", err)
		}
		return exitError
	}

	if code := printJSON(stdout, stderr, result.Job); code != exitOK {
		return code
	}
	switch result.Outcome {
	case poller.OutcomeCompleted:
		return exitOK
	case poller.OutcomeFailed:
		fmt.Fprintf(stderr, "job %s failed: %s\n", jobID, result.Message)
		return exitFailed
	case poller.OutcomeCancelled:
		fmt.Fprintf(stderr, "job %s was cancelled\n", jobID)
		return exitCancelled
	default:
		fmt.Fprintf(stderr, "job %s still %s after %s\n", jobID, result.Job.Status, timeout)
		return exitTimeout
	}
}

func singleJobID(cmd string, args []string, stderr io.Writer) (string, bool) {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintf(stderr, "usage: jobctl %s <job_id>\n", cmd)
		return "", false
	}
	return args[0], true
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "jobctl: write output: %v\n", err)
		return exitError
	}
	return exitOK
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  jobctl [-url URL] [-api-key KEY] submit -kind KIND -resource ID [-options JSON] [-webhook URL] [-wait] [-timeout D]")
	fmt.Fprintln(w, "  jobctl [-url URL] [-api-key KEY] status <job_id>")
	fmt.Fprintln(w, "  jobctl [-url URL] [-api-key KEY] wait [-timeout D] <job_id>")
	fmt.Fprintln(w, "  jobctl [-url URL] [-api-key KEY] cancel <job_id>")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
