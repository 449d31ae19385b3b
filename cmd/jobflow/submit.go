package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"jobflow/internal/config"
	"jobflow/internal/job"
	"jobflow/internal/observability"
	"jobflow/internal/workflow"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type submitOptions struct {
	platform      string
	payload       string
	payloadFile   string
	callbackURL   string
	runID         string
	poll          time.Duration
	timeout       time.Duration
	providersFile string
}

// submitResult is what submit prints on stdout.
type submitResult struct {
	RunID         string         `json:"runId"`
	Platform      string         `json:"platform"`
	Stage         workflow.Stage `json:"stage"`
	Plan          job.Plan       `json:"plan,omitempty"`
	State         *job.State     `json:"state,omitempty"`
	Info          job.Info       `json:"info,omitempty"`
	Polls         int            `json:"polls"`
	Error         string         `json:"error,omitempty"`
	CallbackError string         `json:"callbackError,omitempty"`
}

func submitCmd() *cobra.Command {
	opts := submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run one job to completion in-process and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcCfg := config.LoadServiceConfig()
			slog.SetDefault(observability.NewLoggerTo(os.Stderr, svcCfg.LogLevel, svcCfg.LogFormat))
			if opts.providersFile == "" {
				opts.providersFile = svcCfg.ProvidersFile
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runSubmit(ctx, opts, newDeliverer(svcCfg.CallbackTimeout, svcCfg.CallbackSigningKey), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.platform, "platform", "", "platform to run the job on")
	flags.StringVar(&opts.payload, "payload", "", "job payload as a JSON object")
	flags.StringVar(&opts.payloadFile, "payload-file", "", "file holding the job payload")
	flags.StringVar(&opts.callbackURL, "callback-url", "", "URL to POST the final state to")
	flags.StringVar(&opts.runID, "run-id", "", "run identifier (default: random UUID)")
	flags.DurationVar(&opts.poll, "poll", workflow.DefaultPollInterval, "status poll interval")
	flags.DurationVar(&opts.timeout, "timeout", workflow.DefaultTimeout, "polling timeout")
	flags.StringVar(&opts.providersFile, "providers", "", "providers file (default: PROVIDERS_FILE)")
	_ = cmd.MarkFlagRequired("platform")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

// runSubmit runs one job and writes the result as JSON to out. A run that
// aborts or ends in a non-succeeded phase returns an error after the result
// is written.
func runSubmit(ctx context.Context, opts submitOptions, deliverer workflow.Deliverer, out io.Writer) error {
	payload, err := readPayload(opts)
	if err != nil {
		return err
	}

	platforms, err := loadPlatforms(opts.providersFile)
	if err != nil {
		return err
	}
	defer platforms.Close()

	runID := opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	wf := workflow.New(workflow.Config{
		Resolver:  platforms.Registry,
		Executor:  workflow.NewLocalExecutor(workflow.LoadExecutorConfigFromEnv(), nil),
		Deliverer: deliverer,
		Observers: []workflow.Observer{workflow.ObserverFunc(logTransition)},
	})

	res, err := wf.Run(ctx, runID, workflow.Request{
		Platform:     opts.platform,
		Payload:      payload,
		CallbackURL:  opts.callbackURL,
		PollInterval: opts.poll,
		Timeout:      opts.timeout,
	})
	if res == nil {
		return err
	}

	result := submitResult{
		RunID:    res.RunID,
		Platform: res.Platform,
		Stage:    res.Stage,
		Plan:     res.Plan,
		Info:     res.Info,
		Polls:    res.Polls,
	}
	if res.State.Phase != "" {
		state := res.State
		result.State = &state
	}
	if err != nil {
		result.Error = err.Error()
	}
	if res.CallbackErr != nil {
		result.CallbackError = res.CallbackErr.Error()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		return encErr
	}

	if err != nil {
		return err
	}
	if res.State.Phase != job.PhaseSucceeded {
		return fmt.Errorf("run %s finished in phase %s", res.RunID, res.State.Phase)
	}
	return nil
}

func readPayload(opts submitOptions) (job.Payload, error) {
	data := []byte(opts.payload)
	if opts.payloadFile != "" {
		var err error
		data, err = os.ReadFile(opts.payloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
	}
	if len(data) == 0 {
		return job.Payload{}, nil
	}

	var payload job.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if payload == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}

func logTransition(_ context.Context, t workflow.Transition) {
	if t.IsPoll() {
		if t.State != nil {
			slog.Debug("Polled", "runId", t.RunID, "phase", t.State.Phase)
		}
		return
	}
	slog.Info("Run transition", "runId", t.RunID, "from", t.From, "stage", t.To)
}
