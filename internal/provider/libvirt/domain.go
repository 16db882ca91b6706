package libvirt

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/kdomanski/iso9660"

	"cleanroom/internal/provider"
)

const (
	defaultMemoryMB = 1024
	defaultVCPUs    = 1
)

const domainTemplate = `<domain type='kvm'>
  <name>{{.Name}}</name>
  <memory unit='MiB'>{{.MemoryMB}}</memory>
  <vcpu>{{.VCPUs}}</vcpu>
  <os>
    <type arch='x86_64' machine='q35'>hvm</type>
  </os>
  <features>
    <acpi/>
    <apic/>
  </features>
  <cpu mode='host-passthrough'/>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='{{.Overlay}}'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <driver name='qemu' type='raw'/>
      <source file='{{.SeedISO}}'/>
      <target dev='sda' bus='sata'/>
      <readonly/>
    </disk>
    <interface type='network'>
      <source network='{{.Network}}'/>
      <mac address='{{.MAC}}'/>
      <model type='virtio'/>
    </interface>
    <channel type='unix'>
      <target type='virtio' name='org.qemu.guest_agent.0'/>
    </channel>
    <console type='pty'/>
    <rng model='virtio'>
      <backend model='random'>/dev/urandom</backend>
    </rng>
  </devices>
</domain>
`

type domainTemplateData struct {
	Name     string
	MemoryMB int
	VCPUs    int
	Overlay  string
	SeedISO  string
	Network  string
	MAC      string
}

func buildDomainTemplateData(name, overlay, seedISO, mac, network string, cfg provider.InstanceConfig) (domainTemplateData, error) {
	if name == "" {
		return domainTemplateData{}, errors.New("domain name is required")
	}
	if overlay == "" {
		return domainTemplateData{}, errors.New("overlay path is required")
	}
	if network == "" {
		return domainTemplateData{}, errors.New("network name is required")
	}

	memory := cfg.MemoryMB
	if memory <= 0 {
		memory = defaultMemoryMB
	}
	vcpus := cfg.CPULimit
	if vcpus <= 0 {
		vcpus = defaultVCPUs
	}

	return domainTemplateData{
		Name:     name,
		MemoryMB: memory,
		VCPUs:    vcpus,
		Overlay:  overlay,
		SeedISO:  seedISO,
		Network:  network,
		MAC:      mac,
	}, nil
}

func renderDomainXML(data domainTemplateData) ([]byte, error) {
	tmpl, err := template.New("domain").Parse(domainTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render domain definition: %w", err)
	}
	return buf.Bytes(), nil
}

// generateEnvironmentMAC derives a stable locally administered unicast MAC
// from the run identifier, so the domain's DHCP lease can be found without
// querying the guest.
func generateEnvironmentMAC(seed string) string {
	sum := sha1.Sum([]byte(seed))
	mac := []byte{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	mac[0] = (mac[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

func createDiskOverlay(baseImagePath, overlayPath string) (string, error) {
	baseAbs, err := filepath.Abs(baseImagePath)
	if err != nil {
		return "", fmt.Errorf("resolve base image path %q: %w", baseImagePath, err)
	}
	if _, err := os.Stat(baseAbs); err != nil {
		return "", fmt.Errorf("stat base image %q: %w", baseAbs, err)
	}

	overlayAbs, err := filepath.Abs(overlayPath)
	if err != nil {
		return "", fmt.Errorf("resolve overlay path %q: %w", overlayPath, err)
	}
	if err := os.Remove(overlayAbs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove existing overlay %q: %w", overlayAbs, err)
	}

	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return "", fmt.Errorf("qemu-img not found in PATH: %w", err)
	}
	cmd := exec.Command(qemuImg, "create", "-f", "qcow2", "-F", "qcow2", "-b", baseAbs, overlayAbs)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("create overlay with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return overlayAbs, nil
}

// createSeedISO builds a cloud-init NoCloud seed disk that sets the guest
// hostname and starts the qemu guest agent on first boot.
func createSeedISO(runDir, hostname string) (string, error) {
	stagingDir := filepath.Join(runDir, "seed_data")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create seed staging directory: %w", err)
	}

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", hostname, hostname)
	userData, err := renderUserData(hostname)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "meta-data"), []byte(metaData), 0o644); err != nil {
		return "", fmt.Errorf("write meta-data: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "user-data"), []byte(userData), 0o644); err != nil {
		return "", fmt.Errorf("write user-data: %w", err)
	}

	imagePath := filepath.Join(runDir, "seed.iso")
	if err := createISOFromDirectory(stagingDir, imagePath, "CIDATA"); err != nil {
		return "", err
	}
	return imagePath, nil
}

const userDataTemplate = `#cloud-config
hostname: {{.Hostname}}
packages:
  - qemu-guest-agent
runcmd:
  - [systemctl, enable, --now, qemu-guest-agent]
`

func renderUserData(hostname string) (string, error) {
	tmpl, err := template.New("user-data").Parse(userDataTemplate)
	if err != nil {
		return "", fmt.Errorf("parse user-data template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Hostname string }{Hostname: hostname}); err != nil {
		return "", fmt.Errorf("render user-data: %w", err)
	}
	return buf.String(), nil
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage seed directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel); err != nil {
		_ = out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}
