// Package docker runs jobs as containers on the local Docker daemon. The
// container is the job: its state is the job's status and its exit code the
// outcome.
package docker

import (
	"context"
	"fmt"
	"io"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"jobflow/internal/provider"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Name is the platform name the provider registers under.
const Name = "docker"

// Label values identifying containers started by this provider.
const (
	managedByLabel = "managed-by"
	managedByValue = "jobflow"
	platformLabel  = "jobflow.platform"
)

const (
	defaultCPU      = 1.0
	defaultMemoryMB = 512
	stopTimeout     = 10
)

var statusTable = job.StatusTable{
	"created":    job.PhasePending,
	"running":    job.PhaseRunning,
	"restarting": job.PhaseRunning,
	"paused":     job.PhaseRunning,
	"exited":     job.PhaseSucceeded,
	"dead":       job.PhaseError,
}

// dockerAPI is the subset of the Docker client the provider uses.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Config for the docker platform.
type Config struct {
	Network    string        // network mode for job containers, empty = daemon default
	ExtraHosts []string      // extra /etc/hosts entries (e.g. "api.test:host-gateway")
	Retention  time.Duration // how long exited containers are kept if no callback removed them (default 15m)
	SweepEvery time.Duration // how often the janitor runs (default 1m)
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 15 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
	return c
}

// Platform runs job containers through the Docker API.
type Platform struct {
	client dockerAPI
	config Config
	logger *slog.Logger

	cancelJanitor context.CancelFunc
	janitorWg     sync.WaitGroup
}

// New connects to the daemon configured by the DOCKER_* environment and
// starts the janitor for leftover containers.
func New(cfg Config) (*Platform, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	p := newWithClient(dockerClient, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelJanitor = cancel
	p.janitorWg.Add(1)
	go p.runJanitor(ctx)
	return p, nil
}

func newWithClient(api dockerAPI, cfg Config) *Platform {
	return &Platform{
		client: api,
		config: cfg.withDefaults(),
		logger: slog.With("component", "docker"),
	}
}

// Provider returns the full command bundle.
func (p *Platform) Provider() provider.Provider {
	return provider.Provider{
		Prepare:  job.PrepareFunc(p.Prepare),
		Submit:   job.SubmitFunc(p.Submit),
		Status:   job.StatusFunc(p.Status),
		Callback: job.CallbackFunc(p.Callback),
	}
}

// Prepare requires "image", applies the default "cpu" and "memory" (MB)
// and pulls the image if the daemon does not have it.
func (p *Platform) Prepare(ctx context.Context, payload job.Payload) (job.Payload, error) {
	img := payload.String("image")
	if img == "" {
		return nil, apperrors.Validation("image", "Missing 'image' in payload.")
	}

	out := payload.Clone()
	cpu, err := number(out, "cpu", defaultCPU)
	if err != nil {
		return nil, err
	}
	memory, err := number(out, "memory", defaultMemoryMB)
	if err != nil {
		return nil, err
	}
	out["cpu"] = cpu
	out["memory"] = memory

	if err := p.pullImageIfNeeded(ctx, img); err != nil {
		return nil, apperrors.Transport("docker.pull", err)
	}
	return out, nil
}

// Submit creates and starts the job container and returns the plan
// {"platform":"docker","container_id":..,"image":..}.
func (p *Platform) Submit(ctx context.Context, payload job.Payload) (job.Plan, error) {
	rs, err := containerSpec(payload)
	if err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image:      rs.image,
		Cmd:        rs.cmd,
		Env:        rs.env,
		WorkingDir: rs.workdir,
		Labels: map[string]string{
			managedByLabel: managedByValue,
			platformLabel:  Name,
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.Network),
		ExtraHosts:  p.config.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(rs.cpu * 1e9),
			Memory:   int64(rs.memoryMB) * 1024 * 1024,
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, apperrors.Transport("docker.create", err)
	}
	if resp.ID == "" {
		return nil, apperrors.Integration("docker.create", "daemon did not return a container ID")
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeContainer(context.WithoutCancel(ctx), resp.ID)
		return nil, apperrors.Transport("docker.start", err)
	}

	p.logger.Debug("Container started", "containerId", resp.ID, "image", rs.image)
	return job.Plan{
		"platform":     Name,
		"container_id": resp.ID,
		"image":        rs.image,
	}, nil
}

// Status inspects the container. An exited container succeeds with exit
// code 0 and fails otherwise.
func (p *Platform) Status(ctx context.Context, plan job.Plan) (job.State, error) {
	id := plan.String("container_id")
	if id == "" {
		return job.State{}, apperrors.Integration("docker.status", "plan is missing 'container_id'")
	}

	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return job.State{}, apperrors.Transport("docker.inspect", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return job.State{}, apperrors.Integration("docker.inspect", "response did not include container state")
	}

	st := inspect.State
	status := string(st.Status)
	raw := map[string]any{
		"container_id": id,
		"status":       status,
		"exit_code":    st.ExitCode,
		"started_at":   st.StartedAt,
		"finished_at":  st.FinishedAt,
	}
	if st.Error != "" {
		raw["error"] = st.Error
	}

	state := statusTable.StateFor(status, st.Error, raw)
	if status == "exited" {
		if st.ExitCode != 0 {
			state.Phase = job.PhaseFailed
			state.Message = fmt.Sprintf("Container exited with code %d", st.ExitCode)
		} else {
			state.Output = map[string]any{"exit_code": 0}
		}
	}
	return state, nil
}

// Callback removes the job container and echoes the final state.
func (p *Platform) Callback(ctx context.Context, state job.State) (job.Info, error) {
	raw, _ := state.RawStatus.(map[string]any)
	id, _ := raw["container_id"].(string)
	if id != "" {
		if err := p.removeContainer(ctx, id); err != nil {
			return nil, apperrors.Transport("docker.remove", err)
		}
	}
	return job.Echo(state), nil
}

// Ready checks that the daemon is reachable.
func (p *Platform) Ready(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

// Close stops the janitor and closes the client.
func (p *Platform) Close() error {
	if p.cancelJanitor != nil {
		p.cancelJanitor()
		p.janitorWg.Wait()
	}
	return p.client.Close()
}

func (p *Platform) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := p.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Platform) removeContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeout
	_ = p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	return p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (p *Platform) runJanitor(ctx context.Context) {
	defer p.janitorWg.Done()
	ticker := time.NewTicker(p.config.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx, time.Now())
		}
	}
}

// sweep removes exited job containers older than the retention period. It
// catches containers left behind by runs that aborted before calling back.
func (p *Platform) sweep(ctx context.Context, now time.Time) int {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", managedByLabel+"="+managedByValue),
			filters.Arg("status", "exited"),
			filters.Arg("status", "dead"),
		),
	})
	if err != nil {
		p.logger.Warn("Failed to list containers", "error", err)
		return 0
	}

	var removed int
	for _, c := range containers {
		inspect, err := p.client.ContainerInspect(ctx, c.ID)
		if err != nil || inspect.ContainerJSONBase == nil || inspect.State == nil || inspect.State.Running {
			continue
		}
		finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil || now.Sub(finishedAt) <= p.config.Retention {
			continue
		}
		if err := p.removeContainer(ctx, c.ID); err != nil {
			p.logger.Warn("Failed to remove container", "containerId", c.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		p.logger.Info("Janitor removed containers", "removed", removed)
	}
	return removed
}

type runSpec struct {
	image    string
	cmd      []string
	env      []string
	workdir  string
	cpu      float64
	memoryMB float64
}

// containerSpec reads the container settings from a prepared payload.
// "command" is run through /bin/sh -c; "args" replaces the image command.
func containerSpec(payload job.Payload) (runSpec, error) {
	s := runSpec{
		image:   payload.String("image"),
		workdir: payload.String("workdir"),
	}
	if s.image == "" {
		return runSpec{}, apperrors.Validation("image", "Missing 'image' in payload.")
	}

	var err error
	if s.cpu, err = number(payload, "cpu", defaultCPU); err != nil {
		return runSpec{}, err
	}
	if s.memoryMB, err = number(payload, "memory", defaultMemoryMB); err != nil {
		return runSpec{}, err
	}

	switch {
	case payload.String("command") != "":
		s.cmd = []string{"/bin/sh", "-c", payload.String("command")}
	case payload["args"] != nil:
		args, ok := payload["args"].([]any)
		if !ok {
			return runSpec{}, apperrors.Validation("args", "'args' must be a list of strings")
		}
		for _, a := range args {
			str, ok := a.(string)
			if !ok {
				return runSpec{}, apperrors.Validation("args", "'args' must be a list of strings")
			}
			s.cmd = append(s.cmd, str)
		}
	}

	if raw, ok := payload["env"]; ok && raw != nil {
		env, ok := raw.(map[string]any)
		if !ok {
			return runSpec{}, apperrors.Validation("env", "'env' must be an object")
		}
		for k, v := range env {
			s.env = append(s.env, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(s.env)
	}
	return s, nil
}

// number reads a positive numeric field, falling back to def when absent.
func number(payload job.Payload, key string, def float64) (float64, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return def, nil
	}

	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	default:
		return 0, apperrors.Validation(key, fmt.Sprintf("'%s' must be a number", key))
	}
	if n <= 0 {
		return 0, apperrors.Validation(key, fmt.Sprintf("'%s' must be positive", key))
	}
	return n, nil
}

var _ dockerAPI = (*client.Client)(nil)
