// Package deployer runs one isolated application container per customer.
package deployer

import (
	"context"
	"errors"
	"strings"
)

const (
	LabelManaged    = "minipass.managed"
	LabelCustomerID = "minipass.customer_id"
	LabelSubdomain  = "minipass.subdomain"

	// InstanceDataDir is where the host data directory is mounted in the container.
	InstanceDataDir = "/app/data"
)

var (
	ErrInvalidSpec       = errors.New("invalid_deploy_spec")
	ErrPortInUse         = errors.New("port_in_use")
	ErrImageUnavailable  = errors.New("image_unavailable")
	ErrContainerExited   = errors.New("container_exited_after_start")
	ErrContainerNotFound = errors.New("container_not_found")
)

type Spec struct {
	CustomerID string
	Subdomain  string
	HostPort   int
	// DataDir is the host directory mounted at InstanceDataDir.
	DataDir string
	Env     map[string]string
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.CustomerID) == "" || strings.TrimSpace(s.Subdomain) == "" {
		return ErrInvalidSpec
	}
	if s.HostPort <= 0 || s.HostPort > 65535 {
		return ErrInvalidSpec
	}
	if strings.TrimSpace(s.DataDir) == "" {
		return ErrInvalidSpec
	}
	return nil
}

type Result struct {
	ContainerID string
	Name        string
	HostPort    int
	Reused      bool
}

type Instance struct {
	ContainerID string
	Name        string
	Running     bool
	State       string
}

type Deployer interface {
	// Deploy is idempotent per customer: a running container is reused.
	Deploy(ctx context.Context, spec Spec) (Result, error)
	// Find returns nil when the customer has no container.
	Find(ctx context.Context, customerID string) (*Instance, error)
	Stop(ctx context.Context, customerID string) error
	Remove(ctx context.Context, customerID string) error
}

func ContainerName(subdomain string) string {
	return "minipass-" + strings.ToLower(strings.TrimSpace(subdomain))
}
