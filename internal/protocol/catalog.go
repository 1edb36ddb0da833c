package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/prism/internal/storage"
)

// ErrNotFound is returned when no registered or built-in protocol matches.
var ErrNotFound = errors.New("protocol not found")

// Catalog resolves protocols by name. Registered protocols live in the store;
// built-ins are registered lazily the first time they are resolved.
type Catalog struct {
	db          *storage.DB
	builtins    map[string]Protocol
	defaultName string
	log         *zap.Logger
}

// NewCatalog creates a catalog over db. defaultName is the configured default
// protocol; when empty or unresolvable GetDefault falls back to DefaultName.
func NewCatalog(db *storage.DB, defaultName string, logger *zap.Logger) *Catalog {
	builtins := make(map[string]Protocol)
	for _, p := range Builtins() {
		builtins[p.Name] = p
	}
	return &Catalog{
		db:          db,
		builtins:    builtins,
		defaultName: NormalizeName(defaultName),
		log:         logger,
	}
}

// Register inserts p unless a protocol with its name already exists. It
// reports whether the protocol was new.
func (c *Catalog) Register(ctx context.Context, p Protocol) (bool, error) {
	var inserted bool
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		inserted, err = c.RegisterTx(tx, p)
		return err
	})
	return inserted, err
}

// RegisterTx is Register inside an existing transaction.
func (c *Catalog) RegisterTx(tx *storage.Tx, p Protocol) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	stages, err := json.Marshal(p.Stages)
	if err != nil {
		return false, fmt.Errorf("marshal stages: %w", err)
	}
	inserted, err := tx.InsertProtocol(&storage.ProtocolRecord{
		Name:      p.Name,
		Stages:    stages,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return false, err
	}
	if inserted {
		c.log.Info("registered protocol", zap.String("protocol", p.Name), zap.Int("stages", len(p.Stages)))
	}
	return inserted, nil
}

// GetByName resolves a protocol by name.
func (c *Catalog) GetByName(ctx context.Context, name string) (*Protocol, error) {
	var p *Protocol
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = c.GetByNameTx(tx, name)
		return err
	})
	return p, err
}

// GetByNameTx resolves a protocol inside an existing transaction. A built-in
// that is not registered yet gets registered.
func (c *Catalog) GetByNameTx(tx *storage.Tx, name string) (*Protocol, error) {
	name = NormalizeName(name)
	if name == "" {
		return nil, ErrNotFound
	}
	rec, err := tx.GetProtocol(name)
	if err == nil {
		return decodeRecord(rec)
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	b, ok := c.builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, err := c.RegisterTx(tx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetDefault returns the configured default protocol, or the built-in default.
func (c *Catalog) GetDefault(ctx context.Context) (*Protocol, error) {
	var p *Protocol
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = c.GetDefaultTx(tx)
		return err
	})
	return p, err
}

// GetDefaultTx is GetDefault inside an existing transaction.
func (c *Catalog) GetDefaultTx(tx *storage.Tx) (*Protocol, error) {
	if c.defaultName != "" {
		p, err := c.GetByNameTx(tx, c.defaultName)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		c.log.Warn("configured default protocol not found, using built-in",
			zap.String("protocol", c.defaultName), zap.String("builtin", DefaultName))
	}
	return c.GetByNameTx(tx, DefaultName)
}

// ResolveTx returns the named protocol, falling back to the default when name
// is empty or unknown.
func (c *Catalog) ResolveTx(tx *storage.Tx, name string) (*Protocol, error) {
	if name != "" {
		p, err := c.GetByNameTx(tx, name)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		c.log.Warn("unknown protocol requested, using default", zap.String("protocol", name))
	}
	return c.GetDefaultTx(tx)
}

// List returns every registered protocol plus built-ins not registered yet.
func (c *Catalog) List(ctx context.Context) ([]Protocol, error) {
	var out []Protocol
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		recs, err := tx.ListProtocols()
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(recs))
		for i := range recs {
			p, err := decodeRecord(&recs[i])
			if err != nil {
				return err
			}
			seen[p.Name] = true
			out = append(out, *p)
		}
		for _, b := range Builtins() {
			if !seen[b.Name] {
				out = append(out, b)
			}
		}
		return nil
	})
	return out, err
}

// fileSchema is the on-disk layout of a protocol file.
type fileSchema struct {
	Protocols []Protocol `yaml:"protocols"`
}

// LoadFile registers every protocol defined in a YAML file and returns the
// number of newly registered protocols.
func (c *Catalog) LoadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read protocol file: %w", err)
	}
	var f fileSchema
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse protocol file: %w", err)
	}

	added := 0
	err = c.db.WithTx(ctx, func(tx *storage.Tx) error {
		added = 0
		for _, p := range f.Protocols {
			inserted, err := c.RegisterTx(tx, p)
			if err != nil {
				return fmt.Errorf("register %s: %w", p.Name, err)
			}
			if inserted {
				added++
			}
		}
		return nil
	})
	return added, err
}

func decodeRecord(rec *storage.ProtocolRecord) (*Protocol, error) {
	p := &Protocol{Name: rec.Name}
	if err := json.Unmarshal(rec.Stages, &p.Stages); err != nil {
		return nil, fmt.Errorf("decode protocol %s: %w", rec.Name, err)
	}
	return p, nil
}
