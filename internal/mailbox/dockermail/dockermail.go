// Package dockermail drives docker-mailserver's setup script through docker exec.
package dockermail

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/dockerclient"
	"github.com/smallbiznis/minipass/internal/mailbox"
	"go.uber.org/zap"
)

type Provisioner struct {
	exec      dockerclient.Execer
	container string
	log       *zap.Logger
}

func New(cfg config.Config, exec dockerclient.Execer, log *zap.Logger) *Provisioner {
	return &Provisioner{
		exec:      exec,
		container: cfg.Mail.Container,
		log:       log.Named("mailbox.dockermail"),
	}
}

func (p *Provisioner) Ensure(ctx context.Context, account mailbox.Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	address := strings.ToLower(account.Address)
	forward := strings.ToLower(account.ForwardTo)

	boxes, err := p.mailboxes(ctx)
	if err != nil {
		return err
	}
	if _, ok := boxes[address]; !ok {
		if err := p.run(ctx, "setup", "email", "add", address, account.Password); err != nil {
			return fmt.Errorf("add mailbox %s: %w", address, err)
		}
		p.log.Info("mailbox created", zap.String("address", address))
	}

	aliases, err := p.aliases(ctx)
	if err != nil {
		return err
	}
	if !contains(aliases[address], forward) {
		if err := p.run(ctx, "setup", "alias", "add", address, forward); err != nil {
			return fmt.Errorf("add forward %s: %w", address, err)
		}
		p.log.Info("forward created", zap.String("address", address))
	}

	return p.verify(ctx, address, forward)
}

func (p *Provisioner) verify(ctx context.Context, address, forward string) error {
	boxes, err := p.mailboxes(ctx)
	if err != nil {
		return err
	}
	if _, ok := boxes[address]; !ok {
		return fmt.Errorf("%w: mailbox %s missing after create", mailbox.ErrNotApplied, address)
	}
	aliases, err := p.aliases(ctx)
	if err != nil {
		return err
	}
	if !contains(aliases[address], forward) {
		return fmt.Errorf("%w: forward %s missing after create", mailbox.ErrNotApplied, address)
	}
	return nil
}

func (p *Provisioner) Delete(ctx context.Context, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return mailbox.ErrInvalidAccount
	}

	aliases, err := p.aliases(ctx)
	if err != nil {
		return err
	}
	for _, target := range aliases[address] {
		if err := p.run(ctx, "setup", "alias", "del", address, target); err != nil {
			return fmt.Errorf("delete forward %s: %w", address, err)
		}
	}

	boxes, err := p.mailboxes(ctx)
	if err != nil {
		return err
	}
	if _, ok := boxes[address]; ok {
		if err := p.run(ctx, "setup", "email", "del", "-y", address); err != nil {
			return fmt.Errorf("delete mailbox %s: %w", address, err)
		}
	}
	p.log.Info("mail account removed", zap.String("address", address))
	return nil
}

func (p *Provisioner) mailboxes(ctx context.Context) (map[string]struct{}, error) {
	out, err := p.output(ctx, "setup", "email", "list")
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return parseMailboxList(out), nil
}

func (p *Provisioner) aliases(ctx context.Context) (map[string][]string, error) {
	out, err := p.output(ctx, "setup", "alias", "list")
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	return parseAliasList(out), nil
}

func (p *Provisioner) run(ctx context.Context, cmd ...string) error {
	_, err := p.output(ctx, cmd...)
	return err
}

func (p *Provisioner) output(ctx context.Context, cmd ...string) (string, error) {
	res, err := p.exec.Exec(ctx, p.container, cmd...)
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// parseMailboxList reads lines like "* user@example.com ( 12K / ~ ) [0%]".
func parseMailboxList(out string) map[string]struct{} {
	boxes := map[string]struct{}{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := listFields(scanner.Text())
		if len(fields) == 0 || !strings.Contains(fields[0], "@") {
			continue
		}
		boxes[strings.ToLower(fields[0])] = struct{}{}
	}
	return boxes
}

// parseAliasList reads lines like "* alias@example.com target@example.org[,other@example.net]".
func parseAliasList(out string) map[string][]string {
	aliases := map[string][]string{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := listFields(scanner.Text())
		if len(fields) < 2 || !strings.Contains(fields[0], "@") {
			continue
		}
		src := strings.ToLower(fields[0])
		for _, target := range strings.Split(strings.Join(fields[1:], ""), ",") {
			target = strings.ToLower(strings.TrimSpace(target))
			if target != "" {
				aliases[src] = append(aliases[src], target)
			}
		}
	}
	return aliases
}

func listFields(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "*")
	return strings.Fields(line)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

var _ mailbox.Provisioner = (*Provisioner)(nil)
