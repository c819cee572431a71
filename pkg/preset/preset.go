// Package preset stores named console snapshots.
package preset

import (
	"context"
	"errors"
	"fmt"

	"github.com/astromechza/cuemix/pkg/console"
)

var (
	ErrNotFound    = errors.New("preset not found")
	ErrInvalidName = errors.New("invalid preset name")
)

// Store is durable named-snapshot storage. Save overwrites, Delete of a missing name succeeds, and List is sorted.
// Load does not validate the shape of what it returns; callers adopting a loaded state must.
type Store interface {
	Save(ctx context.Context, name string, state console.State) error
	Load(ctx context.Context, name string) (console.State, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	return nil
}

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// Open returns the store for a configured driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverFile:
		f, err := OpenFile(path)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown preset driver %q", driver)
	}
}
