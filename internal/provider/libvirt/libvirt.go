// Package libvirt provisions test environments as qemu/kvm domains. Each
// environment boots a qcow2 overlay on top of a shared base image, carries a
// cloud-init seed ISO that brings up the qemu guest agent, and is reached
// exclusively through that agent: command execution, file transfer and
// address discovery all go over the agent or the network's DHCP lease table,
// never ssh.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	golibvirt "libvirt.org/go/libvirt"

	"cleanroom/internal/provider"
)

const (
	runtimeDomain = "domain"
	runtimeRunDir = "run_dir"
	runtimeMAC    = "mac"

	agentProbeInterval = 5 * time.Second
	agentProbeRetries  = 24

	addressProbeInterval = 2 * time.Second
)

// Provider implements provider.Provider on top of libvirt.
type Provider struct {
	// URI is the libvirt connection URI, e.g. qemu:///system.
	URI string
	// Network names the libvirt network domains attach to. It must define
	// an IPv4 DHCP range; addresses are resolved from its lease table.
	Network string
	// BaseDir holds per-environment run directories (overlay, seed ISO,
	// domain definition).
	BaseDir string
	// ImageDir is where base qcow2 images live. Image references that are
	// not absolute paths are resolved against it.
	ImageDir string

	Logger *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Provider) validate() error {
	if p.URI == "" {
		return errors.New("libvirt provider URI is not configured")
	}
	if p.Network == "" {
		return errors.New("libvirt provider network is not configured")
	}
	if p.BaseDir == "" {
		return errors.New("libvirt provider base directory is not configured")
	}
	return nil
}

func (p *Provider) connect() (*golibvirt.Connect, error) {
	conn, err := golibvirt.NewConnect(p.URI)
	if err != nil {
		return nil, provider.Errorf("connect", fmt.Errorf("open libvirt connection %s: %w", p.URI, err))
	}
	return conn, nil
}

// Create defines and starts a domain for the environment, then blocks until
// its guest agent answers so the environment is immediately usable.
func (p *Provider) Create(ctx context.Context, name, image string, cfg provider.InstanceConfig) (provider.Environment, error) {
	if err := p.validate(); err != nil {
		return provider.Environment{}, provider.Errorf("create", err)
	}
	if name == "" {
		return provider.Environment{}, provider.Errorf("create", errors.New("environment name is required"))
	}

	runID := fmt.Sprintf("%s-%s", name, uuid.New().String()[:8])
	runDir := filepath.Join(p.BaseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return provider.Environment{}, provider.Errorf("create", fmt.Errorf("create run directory %q: %w", runDir, err))
	}

	logger := p.logger().With("environment", name, "domain", runID, "run_dir", runDir)
	logger.Info("preparing environment workspace")

	baseImage := image
	if !filepath.IsAbs(baseImage) {
		baseImage = filepath.Join(p.ImageDir, baseImage)
	}

	env, err := p.create(ctx, name, runID, runDir, baseImage, cfg, logger)
	if err != nil {
		_ = os.RemoveAll(runDir)
		return provider.Environment{}, err
	}
	return env, nil
}

func (p *Provider) create(ctx context.Context, name, runID, runDir, baseImage string, cfg provider.InstanceConfig, logger *slog.Logger) (provider.Environment, error) {
	overlay, err := createDiskOverlay(baseImage, filepath.Join(runDir, "disk-overlay.qcow2"))
	if err != nil {
		return provider.Environment{}, provider.Errorf("create", err)
	}
	logger.Debug("created overlay disk", "base_image", baseImage, "overlay", overlay)

	seedISO, err := createSeedISO(runDir, name)
	if err != nil {
		return provider.Environment{}, provider.Errorf("create", err)
	}
	logger.Debug("created seed disk", "path", seedISO)

	mac := generateEnvironmentMAC(runID)

	data, err := buildDomainTemplateData(runID, overlay, seedISO, mac, p.Network, cfg)
	if err != nil {
		return provider.Environment{}, provider.Errorf("create", err)
	}
	domainXML, err := renderDomainXML(data)
	if err != nil {
		return provider.Environment{}, provider.Errorf("create", err)
	}
	xmlPath := filepath.Join(runDir, "domain.xml")
	if err := os.WriteFile(xmlPath, domainXML, 0o644); err != nil {
		return provider.Environment{}, provider.Errorf("create", fmt.Errorf("write domain definition: %w", err))
	}
	logger.Debug("wrote domain definition", "path", xmlPath)

	conn, err := p.connect()
	if err != nil {
		return provider.Environment{}, err
	}
	defer conn.Close()

	domain, err := conn.DomainDefineXML(string(domainXML))
	if err != nil {
		return provider.Environment{}, provider.Errorf("create", fmt.Errorf("define domain %s: %w", runID, err))
	}
	defer domain.Free()

	if err := domain.Create(); err != nil {
		_ = domain.Undefine()
		return provider.Environment{}, provider.Errorf("create", fmt.Errorf("start domain %s: %w", runID, err))
	}

	logger.Info("waiting for guest agent")
	if err := waitForGuestAgent(ctx, domain, agentProbeInterval, agentProbeRetries); err != nil {
		_ = domain.Destroy()
		_ = domain.Undefine()
		return provider.Environment{}, provider.Errorf("create", err)
	}
	logger.Info("environment ready")

	return provider.Environment{
		Name:      name,
		Image:     baseImage,
		CreatedAt: time.Now().UTC(),
		Runtime: map[string]string{
			runtimeDomain: runID,
			runtimeRunDir: runDir,
			runtimeMAC:    mac,
		},
	}, nil
}

// Destroy stops and undefines the environment's domain and removes its run
// directory. A domain that is already gone is not an error.
func (p *Provider) Destroy(ctx context.Context, env provider.Environment) error {
	if err := p.validate(); err != nil {
		return provider.Errorf("destroy", err)
	}
	domainName := env.Runtime[runtimeDomain]
	if domainName == "" {
		return provider.Errorf("destroy", fmt.Errorf("environment %q has no domain", env.Name))
	}

	conn, err := p.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(domainName)
	if err != nil {
		if !isLibvirtError(err, golibvirt.ERR_NO_DOMAIN) {
			return provider.Errorf("destroy", fmt.Errorf("lookup domain %s: %w", domainName, err))
		}
	} else {
		defer domain.Free()
		if err := domain.Destroy(); err != nil && !isLibvirtError(err, golibvirt.ERR_OPERATION_INVALID) {
			return provider.Errorf("destroy", fmt.Errorf("stop domain %s: %w", domainName, err))
		}
		if err := domain.Undefine(); err != nil && !isLibvirtError(err, golibvirt.ERR_NO_DOMAIN) {
			return provider.Errorf("destroy", fmt.Errorf("undefine domain %s: %w", domainName, err))
		}
	}

	if runDir := env.Runtime[runtimeRunDir]; runDir != "" {
		if err := os.RemoveAll(runDir); err != nil {
			return provider.Errorf("destroy", fmt.Errorf("remove run directory %q: %w", runDir, err))
		}
	}
	p.logger().Info("environment destroyed", "environment", env.Name, "domain", domainName)
	return nil
}

// Execute runs argv inside the environment through the guest agent. A
// non-zero exit status is reported in the result, not as an error.
func (p *Provider) Execute(ctx context.Context, env provider.Environment, argv []string, extraEnv map[string]string) (provider.ExecResult, error) {
	if len(argv) == 0 {
		return provider.ExecResult{}, provider.Errorf("execute", errors.New("argv is empty"))
	}
	domain, conn, err := p.lookup(env, "execute")
	if err != nil {
		return provider.ExecResult{}, err
	}
	defer conn.Close()
	defer domain.Free()

	res, err := runGuestCommand(ctx, domain, argv, extraEnv)
	if err != nil {
		return provider.ExecResult{}, provider.Errorf("execute", err)
	}
	return res, nil
}

// Push copies a local file into the environment via guest-file-write.
func (p *Provider) Push(ctx context.Context, env provider.Environment, localPath, remotePath string) error {
	domain, conn, err := p.lookup(env, "push")
	if err != nil {
		return err
	}
	defer conn.Close()
	defer domain.Free()

	if err := pushGuestFile(ctx, domain, localPath, remotePath); err != nil {
		return provider.Errorf("push", err)
	}
	return nil
}

// Pull copies a file out of the environment via guest-file-read.
func (p *Provider) Pull(ctx context.Context, env provider.Environment, remotePath, localPath string) error {
	domain, conn, err := p.lookup(env, "pull")
	if err != nil {
		return err
	}
	defer conn.Close()
	defer domain.Free()

	if err := pullGuestFile(ctx, domain, remotePath, localPath); err != nil {
		return provider.Errorf("pull", err)
	}
	return nil
}

// PublicAddress resolves the environment's IPv4 address from the network's
// DHCP lease table, matching on the domain's pinned MAC. It polls until the
// lease appears or ctx is done.
func (p *Provider) PublicAddress(ctx context.Context, env provider.Environment) (string, error) {
	if err := p.validate(); err != nil {
		return "", provider.Errorf("address", err)
	}
	mac := env.Runtime[runtimeMAC]
	if mac == "" {
		return "", provider.Errorf("address", fmt.Errorf("environment %q has no recorded MAC", env.Name))
	}

	conn, err := p.connect()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	network, err := conn.LookupNetworkByName(p.Network)
	if err != nil {
		return "", provider.Errorf("address", fmt.Errorf("lookup network %s: %w", p.Network, err))
	}
	defer network.Free()

	for {
		leases, err := network.GetDHCPLeases()
		if err != nil {
			return "", provider.Errorf("address", fmt.Errorf("query DHCP leases: %w", err))
		}
		if ip := findLeaseAddress(leases, mac); ip != "" {
			return ip, nil
		}
		select {
		case <-ctx.Done():
			return "", provider.Errorf("address", fmt.Errorf("waiting for DHCP lease of %s: %w", mac, ctx.Err()))
		case <-time.After(addressProbeInterval):
		}
	}
}

func (p *Provider) lookup(env provider.Environment, op string) (*golibvirt.Domain, *golibvirt.Connect, error) {
	if err := p.validate(); err != nil {
		return nil, nil, provider.Errorf(op, err)
	}
	domainName := env.Runtime[runtimeDomain]
	if domainName == "" {
		return nil, nil, provider.Errorf(op, fmt.Errorf("environment %q has no domain", env.Name))
	}
	conn, err := p.connect()
	if err != nil {
		return nil, nil, err
	}
	domain, err := conn.LookupDomainByName(domainName)
	if err != nil {
		conn.Close()
		return nil, nil, provider.Errorf(op, fmt.Errorf("lookup domain %s: %w", domainName, err))
	}
	return domain, conn, nil
}

func isLibvirtError(err error, codes ...golibvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}
	var libErr golibvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}

func findLeaseAddress(leases []golibvirt.NetworkDHCPLease, mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	for _, lease := range leases {
		if strings.ToLower(strings.TrimSpace(lease.Mac)) != mac {
			continue
		}
		if ip := strings.TrimSpace(lease.IPaddr); ip != "" {
			return ip
		}
	}
	return ""
}
