// Package platform turns the firmware's boot description of a Loongson-3
// machine into the derived system configuration and picks the HPET variant
// of its platform controller hub.
package platform

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SchemaMajor is the descriptor schema major version this package reads.
const SchemaMajor = "v1"

var (
	ErrUnsupportedVariant  = errors.New("platform: unsupported board variant")
	ErrMissingFirmwareData = errors.New("platform: missing firmware data")
	ErrSchemaVersion       = errors.New("platform: unsupported descriptor version")
)

// Descriptor is the boot description handed over by firmware.
type Descriptor struct {
	Version string    `yaml:"version"`
	Board   string    `yaml:"board"`
	PCH     string    `yaml:"pch,omitempty"`
	CPU     CPUInfo   `yaml:"cpu"`
	Memory  []MemMap  `yaml:"memory,omitempty"`
	Devices []Device  `yaml:"devices,omitempty"`
	UARTs   []Device  `yaml:"uarts,omitempty"`
	HPET    *Override `yaml:"hpet,omitempty"`

	DMAMaskBits   int    `yaml:"dmaMaskBits,omitempty"`
	NrUARTs       int    `yaml:"nrUarts,omitempty"`
	HTControlBase uint64 `yaml:"htControlBase,omitempty"`
	HZ            uint32 `yaml:"hz,omitempty"`
}

type CPUInfo struct {
	Type         string `yaml:"type"`
	ClockHz      uint32 `yaml:"clockHz,omitempty"`
	PRID         uint32 `yaml:"prid,omitempty"`
	NrCPUs       int    `yaml:"nrCpus,omitempty"`
	BootCPU      int    `yaml:"bootCpu,omitempty"`
	ReservedMask uint64 `yaml:"reservedMask,omitempty"`
	Name         string `yaml:"name,omitempty"`
}

// MemMap is one firmware memory map entry.
type MemMap struct {
	Type  string `yaml:"type"`
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

type Device struct {
	Name    string `yaml:"name"`
	Address uint64 `yaml:"address"`
	IRQ     uint32 `yaml:"irq,omitempty"`
}

// Override replaces individual fields of the selected variant.
type Override struct {
	Base      uint64  `yaml:"base,omitempty"`
	IRQ       *uint32 `yaml:"irq,omitempty"`
	Frequency uint32  `yaml:"frequency,omitempty"`
}

// Load reads a descriptor from path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: read %s: %w", path, err)
	}
	desc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return desc, nil
}

// Parse decodes a YAML descriptor and checks its schema version.
func Parse(data []byte) (*Descriptor, error) {
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("platform: parse descriptor: %w", err)
	}
	if desc.Version == "" {
		desc.Version = SchemaMajor + ".0.0"
	}
	if !semver.IsValid(desc.Version) {
		return nil, fmt.Errorf("%w: %q is not a semantic version", ErrSchemaVersion, desc.Version)
	}
	if semver.Major(desc.Version) != SchemaMajor {
		return nil, fmt.Errorf("%w: %s, want %s.x", ErrSchemaVersion, desc.Version, SchemaMajor)
	}
	return &desc, nil
}
