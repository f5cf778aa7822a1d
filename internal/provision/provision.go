// Package provision creates the warehouse database, namespaces and tables
// when they are missing. Every step is conditional DDL and safe to repeat.
package provision

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"dwetl/internal/dbconn"
	"dwetl/internal/etlerr"
	"dwetl/internal/storage"
	"dwetl/internal/warehouse"
)

// Provisioner ensures warehouse objects exist.
type Provisioner struct {
	provider *dbconn.Provider
	schemas  []string
	tables   []storage.TableSpec
	log      *zap.Logger
}

// New returns a Provisioner for the full PTXYZ catalog.
func New(p *dbconn.Provider, log *zap.Logger) *Provisioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{
		provider: p,
		schemas:  warehouse.Schemas(),
		tables:   warehouse.Tables(),
		log:      log.With(zap.String("component", "provision")),
	}
}

// EnsureDatabase creates name if absent. It runs on an autocommit session
// against the backend's admin database, since CREATE DATABASE cannot run
// inside a transaction.
func (p *Provisioner) EnsureDatabase(ctx context.Context, name string) error {
	wh := p.provider.Warehouse
	admin := wh.AdminDatabase(name)

	err := dbconn.With(ctx, p.provider, admin, dbconn.Autocommit, func(s *dbconn.Session) error {
		return s.UnitOfWork(ctx, func(q storage.Querier) error {
			if err := wh.EnsureDatabase(ctx, q, name); err != nil {
				return &etlerr.SchemaProvisioningError{Stage: "database", Object: name, Err: err}
			}
			return nil
		})
	})
	if err != nil {
		return classify("database", name, err)
	}
	p.log.Info("database ensured", zap.String("database", name), zap.String("storage", wh.Kind()))
	return nil
}

// EnsureWarehouseObjects creates the dim, fact and staging namespaces and
// every table that does not exist yet, then commits.
func (p *Provisioner) EnsureWarehouseObjects(ctx context.Context, name string) error {
	wh := p.provider.Warehouse

	err := dbconn.With(ctx, p.provider, name, dbconn.Transactional, func(s *dbconn.Session) error {
		return s.UnitOfWork(ctx, func(q storage.Querier) error {
			if err := wh.EnsureSchemas(ctx, q, p.schemas); err != nil {
				return &etlerr.SchemaProvisioningError{Stage: "schemas", Object: name, Err: err}
			}
			for _, t := range p.tables {
				if err := wh.EnsureTables(ctx, q, []storage.TableSpec{t}); err != nil {
					return &etlerr.SchemaProvisioningError{Stage: "tables", Object: t.Name, Err: err}
				}
			}
			return nil
		})
	})
	if err != nil {
		return classify("objects", name, err)
	}
	p.log.Info("warehouse objects ensured",
		zap.String("database", name),
		zap.Int("schemas", len(p.schemas)),
		zap.Int("tables", len(p.tables)))
	return nil
}

// classify keeps connection and provisioning errors as they are and files
// anything else (commit, close) under provisioning.
func classify(stage, object string, err error) error {
	var (
		connErr *etlerr.ConnectionError
		provErr *etlerr.SchemaProvisioningError
	)
	if errors.As(err, &connErr) || errors.As(err, &provErr) {
		return err
	}
	return &etlerr.SchemaProvisioningError{Stage: stage, Object: object, Err: err}
}
