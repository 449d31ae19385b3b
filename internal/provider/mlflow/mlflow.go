// Package mlflow tracks training jobs through an MLflow tracking server.
// A run is submitted by preparing a Unity Catalog experiment; it completes
// once the experiment's runs have finished and its logged models are known.
package mlflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"jobflow/internal/provider"
	"jobflow/internal/provider/httpjson"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Name is the platform name the provider registers under.
const Name = "mlflow"

const (
	requestTimeout = 30 * time.Second
	maxRunPages    = 20
	runsPageSize   = 1000
	modelsPageSize = 100
)

// Config for the tracking server.
type Config struct {
	TrackingURI string
	Token       string
}

// Platform is the MLflow REST client behind the commands.
type Platform struct {
	client *httpjson.Client
}

// New creates the platform client.
func New(cfg Config) *Platform {
	return &Platform{client: httpjson.New(cfg.TrackingURI, cfg.Token)}
}

// Provider returns the full command bundle.
func (p *Platform) Provider() provider.Provider {
	return provider.Provider{
		Prepare:  job.PrepareFunc(p.Prepare),
		Submit:   job.SubmitFunc(p.Submit),
		Status:   job.StatusFunc(p.Status),
		Callback: job.EchoCallback,
	}
}

// Prepare resolves or creates the experiment catalog.schema.experiment_name
// with artifacts under dbfs:/Volumes/catalog/schema/volume, and returns a
// copy of the payload with experiment_id and the qualified experiment_name.
func (p *Platform) Prepare(ctx context.Context, payload job.Payload) (job.Payload, error) {
	expName := payload.String("experiment_name")
	if expName == "" {
		return nil, apperrors.Validation("experiment_name", "Missing 'experiment_name' in payload.")
	}
	for _, field := range []string{"catalog", "schema", "volume"} {
		if payload.String(field) == "" {
			return nil, apperrors.Validation(field, "Missing Unity Catalog location. Provide 'catalog', 'schema', and 'volume'.")
		}
	}

	catalog, schema, volume := payload.String("catalog"), payload.String("schema"), payload.String("volume")
	qualified := fmt.Sprintf("%s.%s.%s", catalog, schema, expName)
	artifacts := fmt.Sprintf("dbfs:/Volumes/%s/%s/%s", catalog, schema, volume)

	expID, err := p.experimentID(ctx, qualified)
	if err != nil {
		return nil, err
	}
	if expID == "" {
		expID, err = p.createExperiment(ctx, qualified, artifacts)
		if err != nil {
			return nil, err
		}
	}

	out := payload.Clone()
	out["experiment_id"] = expID
	out["experiment_name"] = qualified
	return out, nil
}

// Submit requires a prepared payload. The plan is a copy of it.
func (p *Platform) Submit(_ context.Context, payload job.Payload) (job.Plan, error) {
	if payload.String("experiment_id") == "" {
		return nil, apperrors.Validation("experiment_id", "Missing 'experiment_id' in payload. Run prepare first.")
	}
	return job.Plan(payload.Clone()), nil
}

// Status summarises the experiment's runs. Search failures are reported as
// an ERROR state rather than an error so the run still calls back.
func (p *Platform) Status(ctx context.Context, plan job.Plan) (job.State, error) {
	expID := plan.String("experiment_id")
	if expID == "" {
		return job.State{Phase: job.PhaseError, Message: "Missing 'experiment_id' in plan"}, nil
	}

	runs, err := p.searchRuns(ctx, expID)
	if err != nil {
		return job.State{Phase: job.PhaseError, Message: fmt.Sprintf("Error searching runs: %v", err)}, nil
	}
	if len(runs) == 0 {
		return job.State{
			Phase:     job.PhasePending,
			RawStatus: map[string]any{"active": 0, "total": 0},
			Message:   "No runs found for this experiment yet.",
		}, nil
	}

	var active, failed int
	for _, r := range runs {
		switch strings.ToUpper(r.Info.Status) {
		case "SCHEDULED", "RUNNING":
			active++
		case "FAILED", "KILLED":
			failed++
		}
	}
	if active > 0 {
		return job.State{
			Phase:     job.PhaseRunning,
			RawStatus: map[string]any{"active": active, "total": len(runs)},
		}, nil
	}

	modelIDs, err := p.searchLoggedModels(ctx, expID, plan.String("filter_string"))
	if err != nil {
		return job.State{}, err
	}

	raw := map[string]any{"active": 0, "total": len(runs)}
	if failed > 0 && len(modelIDs) == 0 {
		return job.State{Phase: job.PhaseFailed, RawStatus: raw}, nil
	}
	return job.State{
		Phase:     job.PhaseSucceeded,
		RawStatus: raw,
		Output:    map[string]any{"model_ids": modelIDs},
	}, nil
}

type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (p *Platform) experimentID(ctx context.Context, name string) (string, error) {
	var resp struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	path := "/api/2.0/mlflow/experiments/get-by-name?experiment_name=" + url.QueryEscape(name)
	err := p.client.Do(ctx, "mlflow.get_experiment", http.MethodGet, path, requestTimeout, nil, &resp)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resp.Experiment.ExperimentID, nil
}

func (p *Platform) createExperiment(ctx context.Context, name, artifactLocation string) (string, error) {
	req := map[string]any{"name": name, "artifact_location": artifactLocation}
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := p.client.Do(ctx, "mlflow.create_experiment", http.MethodPost, "/api/2.0/mlflow/experiments/create", requestTimeout, req, &resp); err != nil {
		return "", err
	}
	if resp.ExperimentID == "" {
		return "", apperrors.Integration("mlflow.create_experiment", "response did not include 'experiment_id'")
	}
	return resp.ExperimentID, nil
}

type runInfo struct {
	Info struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	} `json:"info"`
}

func (p *Platform) searchRuns(ctx context.Context, expID string) ([]runInfo, error) {
	var all []runInfo
	token := ""
	for range maxRunPages {
		req := map[string]any{"experiment_ids": []string{expID}, "max_results": runsPageSize}
		if token != "" {
			req["page_token"] = token
		}
		var resp struct {
			Runs          []runInfo `json:"runs"`
			NextPageToken string    `json:"next_page_token"`
		}
		if err := p.client.Do(ctx, "mlflow.search_runs", http.MethodPost, "/api/2.0/mlflow/runs/search", requestTimeout, req, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Runs...)
		if resp.NextPageToken == "" {
			return all, nil
		}
		token = resp.NextPageToken
	}
	return nil, apperrors.Integration("mlflow.search_runs", fmt.Sprintf("experiment %s has more than %d pages of runs", expID, maxRunPages))
}

func (p *Platform) searchLoggedModels(ctx context.Context, expID, filter string) ([]string, error) {
	req := map[string]any{"experiment_ids": []string{expID}, "max_results": modelsPageSize}
	if filter != "" {
		req["filter"] = filter
	}
	var resp struct {
		Models []struct {
			Info struct {
				ModelID string `json:"model_id"`
			} `json:"info"`
		} `json:"models"`
	}
	if err := p.client.Do(ctx, "mlflow.search_logged_models", http.MethodPost, "/api/2.0/mlflow/logged-models/search", requestTimeout, req, &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ids = append(ids, m.Info.ModelID)
	}
	return ids, nil
}

// isNotFound reports a RESOURCE_DOES_NOT_EXIST response.
func isNotFound(err error) bool {
	var se *httpjson.StatusError
	if !errors.As(err, &se) {
		return false
	}
	var body apiError
	if json.Unmarshal(se.Body, &body) == nil && body.ErrorCode == "RESOURCE_DOES_NOT_EXIST" {
		return true
	}
	return httpjson.StatusCode(err) == http.StatusNotFound
}
