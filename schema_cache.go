package dbconn

import (
	"context"
	"fmt"
)

// GetTable returns the table model, fetched once per connection from the
// SchemaProvider and passed through the TableModelAlterer providers.
// The returned model is shared; callers must not modify it.
func (c *Connection) GetTable(ctx context.Context, name string) (*TableModel, error) {
	if model, ok := c.tables[name]; ok {
		return model, nil
	}
	if c.schema == nil {
		return nil, fmt.Errorf("%w: no schema provider configured", ErrConfiguration)
	}
	raw, err := c.schema.GetTable(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading table model %q: %w", name, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: table %q not found", ErrConfiguration, name)
	}
	model, err := c.hooks.alterTableModel(ctx, name, raw.Clone())
	if err != nil {
		return nil, err
	}
	c.tables[name] = model
	return model, nil
}
