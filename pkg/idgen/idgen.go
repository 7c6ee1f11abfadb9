// Package idgen generates memory identifiers.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator produces unique, time-sortable int64 ids from a snowflake node.
// It is safe for concurrent use.
type Generator struct {
	node *snowflake.Node
}

// New creates a generator for the given node number (0-1023). Processes
// sharing a store must use distinct node numbers.
func New(node int64) (*Generator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("idgen.New: %w", err)
	}
	return &Generator{node: n}, nil
}

// Next returns a new id. Ids from one generator are strictly increasing.
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
