package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/ir"
)

// ClusterNode is a registered signing key of the executing cluster.
type ClusterNode struct {
	PublicKey []byte `json:"public_key"`
	Label     string `json:"label"`
	Seq       int64  `json:"seq"`
}

// RegisterDefinition stores a computation definition. Registering the same
// kind again replaces its definition; outstanding computations keep the
// callback target bound at their dispatch.
func (s *Store) RegisterDefinition(ctx context.Context, def compdef.Definition, seq int64) error {
	data, err := marshalJSON(def)
	if err != nil {
		return fmt.Errorf("register definition %s: %w", def.Kind, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO computation_definitions (kind, kind_offset, definition, seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET definition = excluded.definition, seq = excluded.seq
	`, string(def.Kind), int64(def.Offset), data, seq)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("register definition %s: offset %d collides: %w", def.Kind, def.Offset, ErrExists)
		}
		return fmt.Errorf("register definition %s: %w", def.Kind, err)
	}
	return nil
}

func readDefinition(ctx context.Context, q querier, kind ir.Kind) (*compdef.Definition, error) {
	var data string
	err := q.QueryRowContext(ctx, `
		SELECT definition FROM computation_definitions WHERE kind = ?
	`, string(kind)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("definition %s: %w", kind, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", kind, err)
	}
	var def compdef.Definition
	if err := unmarshalJSON(data, &def); err != nil {
		return nil, fmt.Errorf("read definition %s: %w", kind, err)
	}
	return &def, nil
}

// Definition returns the registered definition for kind, or ErrNotFound.
func (t *Tx) Definition(ctx context.Context, kind ir.Kind) (*compdef.Definition, error) {
	return readDefinition(ctx, t.tx, kind)
}

// Definition returns the registered definition for kind, or ErrNotFound.
func (s *Store) Definition(ctx context.Context, kind ir.Kind) (*compdef.Definition, error) {
	return readDefinition(ctx, s.db, kind)
}

// Definitions returns every registered definition ordered by kind.
func (s *Store) Definitions(ctx context.Context) ([]compdef.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition FROM computation_definitions ORDER BY kind ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	defs := []compdef.Definition{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def compdef.Definition
		if err := unmarshalJSON(data, &def); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate definitions: %w", err)
	}
	return defs, nil
}

// AddClusterNode registers a node key. Adding a known key updates its label.
func (s *Store) AddClusterNode(ctx context.Context, node ClusterNode) error {
	if len(node.PublicKey) != 32 {
		return fmt.Errorf("add cluster node: public key is %d bytes, want 32", len(node.PublicKey))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cluster_nodes (public_key, label, seq)
		VALUES (?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET label = excluded.label
	`, node.PublicKey, node.Label, node.Seq)
	if err != nil {
		return fmt.Errorf("add cluster node: %w", err)
	}
	return nil
}

// RemoveClusterNode deletes a node key. Returns ErrNotFound if absent.
func (s *Store) RemoveClusterNode(ctx context.Context, publicKey []byte) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cluster_nodes WHERE public_key = ?`, publicKey)
	if err != nil {
		return fmt.Errorf("remove cluster node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove cluster node: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("remove cluster node: %w", ErrNotFound)
	}
	return nil
}

func readClusterNodes(ctx context.Context, q querier) ([]ClusterNode, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT public_key, label, seq FROM cluster_nodes ORDER BY seq ASC, public_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cluster nodes: %w", err)
	}
	defer rows.Close()

	nodes := []ClusterNode{}
	for rows.Next() {
		var n ClusterNode
		if err := rows.Scan(&n.PublicKey, &n.Label, &n.Seq); err != nil {
			return nil, fmt.Errorf("scan cluster node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster nodes: %w", err)
	}
	return nodes, nil
}

// ClusterNodes returns the keys registered at the time of the transaction.
func (t *Tx) ClusterNodes(ctx context.Context) ([]ClusterNode, error) {
	return readClusterNodes(ctx, t.tx)
}

// ClusterNodes returns every registered node key.
func (s *Store) ClusterNodes(ctx context.Context) ([]ClusterNode, error) {
	return readClusterNodes(ctx, s.db)
}
