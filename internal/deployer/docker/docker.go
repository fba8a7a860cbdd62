// Package docker implements the deployer on a local Docker Engine.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/deployer"
	"go.uber.org/zap"
)

const stopTimeoutSeconds = 10

// PortProbe reports an error when the host port cannot be bound.
type PortProbe func(port int) error

type Deployer struct {
	cli           *client.Client
	image         string
	buildContext  string
	containerPort int
	network       string
	settleDelay   time.Duration
	probe         PortProbe
	log           *zap.Logger
}

func New(cfg config.Config, cli *client.Client, log *zap.Logger) *Deployer {
	return &Deployer{
		cli:           cli,
		image:         cfg.Deploy.Image,
		buildContext:  cfg.Deploy.BuildContext,
		containerPort: cfg.Deploy.ContainerPort,
		network:       cfg.Deploy.Network,
		settleDelay:   cfg.Deploy.SettleDelay,
		probe:         ProbeTCP,
		log:           log.Named("deployer.docker"),
	}
}

func (d *Deployer) Deploy(ctx context.Context, spec deployer.Spec) (deployer.Result, error) {
	if err := spec.Validate(); err != nil {
		return deployer.Result{}, err
	}
	log := d.log.With(zap.String("customer_id", spec.CustomerID), zap.String("subdomain", spec.Subdomain))

	existing, err := d.Find(ctx, spec.CustomerID)
	if err != nil {
		return deployer.Result{}, err
	}
	if existing != nil && existing.Running {
		log.Info("reusing running container", zap.String("container_id", existing.ContainerID))
		return deployer.Result{ContainerID: existing.ContainerID, Name: existing.Name, HostPort: spec.HostPort, Reused: true}, nil
	}

	result := deployer.Result{Name: deployer.ContainerName(spec.Subdomain), HostPort: spec.HostPort}
	if existing != nil {
		result.ContainerID = existing.ContainerID
		result.Reused = true
	} else {
		if err := d.probe(spec.HostPort); err != nil {
			return deployer.Result{}, err
		}
		if err := d.ensureImage(ctx); err != nil {
			return deployer.Result{}, err
		}
		if err := os.MkdirAll(spec.DataDir, 0o750); err != nil {
			return deployer.Result{}, fmt.Errorf("create data dir: %w", err)
		}

		cfg, hostCfg, netCfg := d.containerConfig(spec)
		created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, result.Name)
		if err != nil {
			return deployer.Result{}, fmt.Errorf("create container: %w", err)
		}
		result.ContainerID = created.ID
		log.Info("container created", zap.String("container_id", created.ID))
	}

	if err := d.cli.ContainerStart(ctx, result.ContainerID, container.StartOptions{}); err != nil {
		return result, fmt.Errorf("start container: %w", err)
	}

	// Give the process a moment to crash on bad config before calling it deployed.
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-time.After(d.settleDelay):
	}

	inspect, err := d.cli.ContainerInspect(ctx, result.ContainerID)
	if err != nil {
		return result, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		exitCode := -1
		status := "unknown"
		if inspect.State != nil {
			exitCode = inspect.State.ExitCode
			status = string(inspect.State.Status)
		}
		return result, fmt.Errorf("%w: status=%s exit_code=%d", deployer.ErrContainerExited, status, exitCode)
	}

	log.Info("container running", zap.String("container_id", result.ContainerID), zap.Int("host_port", spec.HostPort))
	return result, nil
}

func (d *Deployer) Find(ctx context.Context, customerID string) (*deployer.Instance, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", deployer.LabelCustomerID+"="+customerID)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	if len(list) > 1 {
		d.log.Warn("multiple containers for customer", zap.String("customer_id", customerID), zap.Int("count", len(list)))
	}
	c := list[0]
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return &deployer.Instance{
		ContainerID: c.ID,
		Name:        name,
		Running:     string(c.State) == "running",
		State:       string(c.State),
	}, nil
}

func (d *Deployer) Stop(ctx context.Context, customerID string) error {
	inst, err := d.Find(ctx, customerID)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	timeout := stopTimeoutSeconds
	if err := d.cli.ContainerStop(ctx, inst.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	d.log.Info("container stopped", zap.String("customer_id", customerID), zap.String("container_id", inst.ContainerID))
	return nil
}

func (d *Deployer) Remove(ctx context.Context, customerID string) error {
	inst, err := d.Find(ctx, customerID)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	if err := d.cli.ContainerRemove(ctx, inst.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	d.log.Info("container removed", zap.String("customer_id", customerID), zap.String("container_id", inst.ContainerID))
	return nil
}

func (d *Deployer) ensureImage(ctx context.Context) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, d.image); err == nil {
		return nil
	}

	if d.buildContext != "" {
		return d.buildImage(ctx)
	}

	reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", deployer.ErrImageUnavailable, d.image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: pull %s: %v", deployer.ErrImageUnavailable, d.image, err)
	}
	return nil
}

func (d *Deployer) buildImage(ctx context.Context) error {
	buildCtx, err := createBuildContext(d.buildContext)
	if err != nil {
		return fmt.Errorf("%w: %v", deployer.ErrImageUnavailable, err)
	}
	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:   []string{d.image},
		Remove: true,
	})
	if err != nil {
		return fmt.Errorf("%w: build %s: %v", deployer.ErrImageUnavailable, d.image, err)
	}
	defer resp.Body.Close()

	imageID, err := parseBuildOutput(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: build %s: %v", deployer.ErrImageUnavailable, d.image, err)
	}
	d.log.Info("image built", zap.String("image", d.image), zap.String("image_id", imageID))
	return nil
}

func (d *Deployer) containerConfig(spec deployer.Spec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	containerPort := nat.Port(strconv.Itoa(d.containerPort) + "/tcp")

	cfg := &container.Config{
		Image:        d.image,
		Env:          envList(spec.Env),
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Labels: map[string]string{
			deployer.LabelManaged:    "true",
			deployer.LabelCustomerID: spec.CustomerID,
			deployer.LabelSubdomain:  spec.Subdomain,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.DataDir,
			Target: deployer.InstanceDataDir,
		}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	var netCfg *network.NetworkingConfig
	if d.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{d.network: {}},
		}
	}
	return cfg, hostCfg, netCfg
}

// envList renders env in a stable order so container configs are comparable.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// ProbeTCP fails with ErrPortInUse when something already listens on port.
func ProbeTCP(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %d", deployer.ErrPortInUse, port)
	}
	return ln.Close()
}
