package pool

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/backendpool/internal/proxy"
	"github.com/psantana5/backendpool/pkg/logging"
	"github.com/psantana5/backendpool/pkg/models"
)

// Instantiator hands out and reclaims worker ports.
type Instantiator interface {
	Instantiate(ctx context.Context) (int, error)
	Unregister(ctx context.Context, port int) error
}

// RemoteFactory makes sessions backed by worker processes.
type RemoteFactory struct {
	sup             Instantiator
	opts            proxy.Options
	logger          *logging.Logger
	shutdownTimeout time.Duration
}

// NewRemoteFactory creates a factory. opts configures every proxy it makes.
func NewRemoteFactory(sup Instantiator, opts proxy.Options) *RemoteFactory {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &RemoteFactory{
		sup:             sup,
		opts:            opts,
		logger:          logger.WithField("component", "factory"),
		shutdownTimeout: 10 * time.Second,
	}
}

// Make starts a worker and opens a session on it for cred.
func (f *RemoteFactory) Make(ctx context.Context, cred models.Credential) (*proxy.RemoteConnection, error) {
	port, err := f.sup.Instantiate(ctx)
	if err != nil {
		return nil, err
	}

	conn := proxy.New(port, f.opts)
	if err := conn.Open(ctx, cred); err != nil {
		f.logger.Warn("Session open failed, releasing worker", map[string]interface{}{
			"port":  port,
			"key":   cred.Label(),
			"error": err,
		})
		if derr := f.Destroy(context.WithoutCancel(ctx), conn); derr != nil {
			f.logger.Warn("Failed to release worker", map[string]interface{}{"port": port, "error": derr})
		}
		return nil, err
	}
	return conn, nil
}

// Destroy asks the worker to stop and frees its slot.
func (f *RemoteFactory) Destroy(ctx context.Context, conn *proxy.RemoteConnection) error {
	sctx, cancel := context.WithTimeout(ctx, f.shutdownTimeout)
	defer cancel()
	shutdownErr := conn.Shutdown(sctx)
	return errors.Join(shutdownErr, f.sup.Unregister(ctx, conn.Port()))
}
