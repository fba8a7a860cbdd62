package provisioning

import (
	"context"
	"net/http"
	"sync"

	"github.com/smallbiznis/minipass/internal/deployer"
	"github.com/smallbiznis/minipass/internal/gateway"
	"github.com/smallbiznis/minipass/internal/mailbox"
)

type fakeDeployer struct {
	mu        sync.Mutex
	deployErr error
	removeErr error
	stopErr   error
	deploys   []deployer.Spec
	removed   []string
	stopped   []string
	running   map[string]string
	halted    map[string]bool
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{running: map[string]string{}, halted: map[string]bool{}}
}

func (f *fakeDeployer) Deploy(ctx context.Context, spec deployer.Spec) (deployer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, spec)
	if f.deployErr != nil {
		f.running[spec.CustomerID] = "crashed"
		return deployer.Result{}, f.deployErr
	}
	if id, ok := f.running[spec.CustomerID]; ok {
		delete(f.halted, spec.CustomerID)
		return deployer.Result{ContainerID: id, Name: deployer.ContainerName(spec.Subdomain), HostPort: spec.HostPort, Reused: true}, nil
	}
	id := "ctr-" + spec.Subdomain
	f.running[spec.CustomerID] = id
	return deployer.Result{ContainerID: id, Name: deployer.ContainerName(spec.Subdomain), HostPort: spec.HostPort}, nil
}

func (f *fakeDeployer) Find(ctx context.Context, customerID string) (*deployer.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.running[customerID]
	if !ok {
		return nil, nil
	}
	if f.halted[customerID] {
		return &deployer.Instance{ContainerID: id, State: "exited"}, nil
	}
	return &deployer.Instance{ContainerID: id, Running: true, State: "running"}, nil
}

func (f *fakeDeployer) Stop(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, customerID)
	f.halted[customerID] = true
	return nil
}

func (f *fakeDeployer) Remove(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, customerID)
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.running, customerID)
	return nil
}

type fakeMailbox struct {
	mu        sync.Mutex
	ensureErr error
	deleteErr error
	mailboxes map[string]string
	ensures   int
	deleted   []string
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{mailboxes: map[string]string{}}
}

func (f *fakeMailbox) Ensure(ctx context.Context, account mailbox.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if err := account.Validate(); err != nil {
		return err
	}
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.mailboxes[account.Address] = account.ForwardTo
	return nil
}

func (f *fakeMailbox) Delete(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, address)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.mailboxes, address)
	return nil
}

type sentEmail struct {
	to       []string
	template string
	data     map[string]any
}

type recordingEmail struct {
	mu   sync.Mutex
	err  error
	sent []sentEmail
}

func (r *recordingEmail) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return r.err
}

func (r *recordingEmail) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEmail{to: to, template: templateName, data: data})
	return r.err
}

type fakeGateway struct {
	mu        sync.Mutex
	checkouts []gateway.CheckoutRequest
	err       error
}

func (g *fakeGateway) Name() string { return "stripe" }

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return gateway.CheckoutSession{}, g.err
	}
	g.checkouts = append(g.checkouts, req)
	return gateway.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (g *fakeGateway) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error {
	return g.err
}

func (g *fakeGateway) Verify(payload []byte, headers http.Header) error { return nil }

func (g *fakeGateway) Parse(payload []byte) (*gateway.Event, error) { return nil, gateway.ErrEventIgnored }
