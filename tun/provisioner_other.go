//go:build !linux

package tun

import (
	"context"

	"github.com/wangn9900/Slux/common"
)

type unsupportedProvisioner struct{}

// NewProvisioner returns the provisioner for this platform.
func NewProvisioner(string, DNSConfigurator) Provisioner {
	return unsupportedProvisioner{}
}

func (unsupportedProvisioner) Establish(context.Context, Options) (Device, error) {
	return nil, common.ErrUnsupported
}

func (unsupportedProvisioner) Alive(string) bool { return false }

func (unsupportedProvisioner) Remove(string) error { return nil }
