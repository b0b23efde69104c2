package engines

import (
	"go.uber.org/zap"

	"tlsbridge/pkg/config"
	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/engine/sim"
)

// Builder creates engines of one configured kind.
type Builder struct {
	Name    string
	Client  engine.Config
	Server  engine.Config
	factory engine.Factory
}

// SimOptions maps the sim section of cfg onto sim.Options.
func SimOptions(c config.SimConfig) sim.Options {
	return sim.Options{
		MaxRecordSize: c.MaxRecordSize,
		RekeyInterval: c.RekeyInterval,
		MaxVersion:    c.MaxVersion,
		Identity:      c.Identity,
	}
}

// FromConfig resolves cfg.Engine against the default registry and loads its
// PEM material.
func FromConfig(cfg *config.Config) (*Builder, error) {
	f, err := Default(SimOptions(cfg.Sim)).Get(cfg.Engine.Name)
	if err != nil {
		return nil, err
	}
	b := &Builder{Name: cfg.Engine.Name, factory: f}
	if b.Client, err = cfg.Engine.TLS(engine.Client); err != nil {
		return nil, err
	}
	if b.Server, err = cfg.Engine.TLS(engine.Server); err != nil {
		return nil, err
	}
	return b, nil
}

// New creates an engine for one connection.
func (b *Builder) New(role engine.Role, log *zap.Logger) (engine.Engine, error) {
	if log == nil {
		log = zap.L()
	}
	tc := b.Client
	if role == engine.Server {
		tc = b.Server
	}
	return b.factory(role, tc, log.With(zap.String("engine", b.Name)))
}
