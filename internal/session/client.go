package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/saim20/willow/internal/dbus"
)

var (
	// ErrConnection means the daemon could not be reached. The session drops
	// its connection and dials again on the next operation.
	ErrConnection = errors.New("daemon unreachable")
	// ErrMethodCall means the daemon rejected or failed a call. The
	// operation was not applied.
	ErrMethodCall = errors.New("method call failed")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// Client is the subset of the bus proxy the session drives.
type Client interface {
	SetMode(ctx context.Context, mode dbus.Mode) error
	GetStatus(ctx context.Context) (dbus.StatusPatch, error)
	SetConfigValue(ctx context.Context, key string, value any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Subscribe() (<-chan dbus.Event, error)
	Close() error
}

var _ Client = (*dbus.Client)(nil)

// Dialer opens a new Client.
type Dialer func(ctx context.Context) (Client, error)

// BusDialer returns a Dialer that connects to the session bus.
func BusDialer(logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Client, error) {
		c, err := dbus.Dial(ctx, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// classify maps a bus error onto the session taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	if dbus.IsConnectionError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrConnection, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrMethodCall, err)
}

// ConfigChange sets one configuration key.
type ConfigChange struct {
	Key   string
	Value any
}

// Future is the eventual outcome of an intent operation.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the operation has completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome. It is nil while the operation is pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
