// Package packages declares package-manager install actions that hooks run
// inside environments. Each action compiles to an ordinary remote argv; the
// engine judges the outcome uniformly by exit code.
package packages

import "fmt"

// Installer is one package-manager invocation.
type Installer struct {
	// Manager names the tool, used in logs and failure messages.
	Manager string

	// Argv is the fully rendered remote command.
	Argv []string
}

func (i Installer) String() string {
	return fmt.Sprintf("%s install", i.Manager)
}

// Apt installs the named packages with apt-get, non-interactively.
func Apt(names ...string) Installer {
	argv := append([]string{"apt-get", "install", "-y"}, names...)
	return Installer{Manager: "apt", Argv: argv}
}

// AptUpdate refreshes the apt package index.
func AptUpdate() Installer {
	return Installer{Manager: "apt", Argv: []string{"apt-get", "update"}}
}

// Snap installs the named snaps.
func Snap(names ...string) Installer {
	argv := append([]string{"snap", "install"}, names...)
	return Installer{Manager: "snap", Argv: argv}
}

// SnapClassic installs one snap with classic confinement.
func SnapClassic(name string) Installer {
	return Installer{Manager: "snap", Argv: []string{"snap", "install", "--classic", name}}
}

// Pip installs the named distributions with pip.
func Pip(names ...string) Installer {
	argv := append([]string{"python3", "-m", "pip", "install"}, names...)
	return Installer{Manager: "pip", Argv: argv}
}

// PipRequirements installs from a requirements file already present inside
// the environment (uploaded by the same hook).
func PipRequirements(remotePath string) Installer {
	return Installer{
		Manager: "pip",
		Argv:    []string{"python3", "-m", "pip", "install", "-r", remotePath},
	}
}
