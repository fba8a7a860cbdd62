package docker

import (
	"archive/tar"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/smallbiznis/minipass/internal/deployer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDeployer(network string) *Deployer {
	return &Deployer{
		image:         "minipass/app:test",
		containerPort: 8889,
		network:       network,
		probe:         ProbeTCP,
		log:           zap.NewNop(),
	}
}

func TestContainerConfig(t *testing.T) {
	d := testDeployer("")
	spec := deployer.Spec{
		CustomerID: "42",
		Subdomain:  "acme",
		HostPort:   9105,
		DataDir:    "/srv/minipass/deployed/acme",
		Env:        map[string]string{"INSTANCE_SUBDOMAIN": "acme", "APP_PORT": "8889"},
	}

	cfg, hostCfg, netCfg := d.containerConfig(spec)

	assert.Equal(t, "minipass/app:test", cfg.Image)
	assert.Equal(t, []string{"APP_PORT=8889", "INSTANCE_SUBDOMAIN=acme"}, cfg.Env)
	assert.Equal(t, "42", cfg.Labels[deployer.LabelCustomerID])
	assert.Equal(t, "acme", cfg.Labels[deployer.LabelSubdomain])
	assert.Contains(t, cfg.ExposedPorts, nat.Port("8889/tcp"))

	bindings := hostCfg.PortBindings[nat.Port("8889/tcp")]
	require.Len(t, bindings, 1)
	assert.Equal(t, "127.0.0.1", bindings[0].HostIP)
	assert.Equal(t, "9105", bindings[0].HostPort)

	require.Len(t, hostCfg.Mounts, 1)
	assert.Equal(t, spec.DataDir, hostCfg.Mounts[0].Source)
	assert.Equal(t, deployer.InstanceDataDir, hostCfg.Mounts[0].Target)
	assert.Nil(t, netCfg)
}

func TestContainerConfigWithNetwork(t *testing.T) {
	d := testDeployer("minipass")
	_, hostCfg, netCfg := d.containerConfig(deployer.Spec{CustomerID: "1", Subdomain: "a", HostPort: 9100, DataDir: "/d"})

	assert.Equal(t, "minipass", string(hostCfg.NetworkMode))
	require.NotNil(t, netCfg)
	assert.Contains(t, netCfg.EndpointsConfig, "minipass")
}

func TestProbeTCPDetectsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	err = ProbeTCP(port)
	assert.True(t, errors.Is(err, deployer.ErrPortInUse), "got %v", err)
}

func TestProbeTCPFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	assert.NoError(t, ProbeTCP(port))
}

func TestDeployRejectsInvalidSpec(t *testing.T) {
	d := testDeployer("")
	_, err := d.Deploy(t.Context(), deployer.Spec{Subdomain: "acme"})
	assert.ErrorIs(t, err, deployer.ErrInvalidSpec)
}

func TestParseBuildOutput(t *testing.T) {
	stream := `{"stream":"Step 1/2 : FROM alpine\n"}
{"aux":{"ID":"sha256:abc"}}
{"stream":"Successfully built abc\n"}`
	id, err := parseBuildOutput(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", id)

	_, err = parseBuildOutput(strings.NewReader(`{"error":"no such file"}`))
	assert.ErrorContains(t, err, "no such file")
}

func TestCreateBuildContext(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM alpine\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "main.py"), []byte("print(1)\n"), 0o644))

	r, err := createBuildContext(dir)
	require.NoError(t, err)

	names := map[string]bool{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = true
	}
	assert.True(t, names["Dockerfile"])
	assert.True(t, names["app/main.py"])

	_, err = createBuildContext(filepath.Join(dir, "Dockerfile"))
	assert.Error(t, err)
}
