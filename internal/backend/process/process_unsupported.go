//go:build !linux && !darwin

package process

import (
	"context"
	"errors"
	"time"

	"github.com/buildkite/taskroom/internal/backend"
	"github.com/charmbracelet/log"
)

var errUnsupported = errors.New("process backend is only supported on linux and darwin")

type Adapter struct {
	WorkRoot  string
	StopGrace time.Duration
	Logger    *log.Logger
}

func New(workRoot string) *Adapter {
	return &Adapter{WorkRoot: workRoot}
}

func (a *Adapter) Name() string {
	return "process"
}

func (a *Adapter) Create(_ context.Context, req backend.CreateRequest) (*backend.Handle, error) {
	return nil, &backend.ProvisioningError{TaskID: req.TaskID, Backend: a.Name(), Err: errUnsupported}
}

func (a *Adapter) Destroy(context.Context, string) error {
	return nil
}

func (a *Adapter) Status(context.Context, string) (backend.Status, error) {
	return backend.StatusUnknown, errUnsupported
}
