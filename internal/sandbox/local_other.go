//go:build !linux

package sandbox

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var errUnsupportedPlatform = errors.New("local sandbox drivers require linux")

// LocalSandbox is unavailable off linux; use the docker driver.
type LocalSandbox struct{}

func NewProcessSandbox(isolate bool, cgroupRoot string, logger *zerolog.Logger) *LocalSandbox {
	return &LocalSandbox{}
}

func NewNsJailSandbox(path string, logger *zerolog.Logger) (*LocalSandbox, error) {
	return nil, errUnsupportedPlatform
}

func (s *LocalSandbox) EnsureImage(ctx context.Context, image string) error {
	return nil
}

func (s *LocalSandbox) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	return nil, errUnsupportedPlatform
}
