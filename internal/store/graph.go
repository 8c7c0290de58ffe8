package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Node is a typed graph node. Nodes reference each other only through edges,
// never directly.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Edge is a directed, typed, weighted relationship between two nodes.
type Edge struct {
	ID         string         `json:"id"`
	FromID     string         `json:"fromId"`
	ToID       string         `json:"toId"`
	Type       string         `json:"type"`
	Weight     float64        `json:"weight"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func encodeProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeProps(s string) (map[string]any, error) {
	props := map[string]any{}
	if s == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(s), &props); err != nil {
		return nil, err
	}
	return props, nil
}

// PutNode inserts a node or replaces the type and properties of an existing
// one. created_at is preserved on replace.
func (db *DB) PutNode(n *Node) error {
	props, err := encodeProps(n.Properties)
	if err != nil {
		return fmt.Errorf("encode node properties: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO graph_nodes (id, type, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type = excluded.type, properties = excluded.properties, updated_at = excluded.updated_at
	`, n.ID, n.Type, props, n.CreatedAt.UnixMilli(), n.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put node: %w", err)
	}
	return nil
}

// GetNode returns a node by id, or nil if not found.
func (db *DB) GetNode(id string) (*Node, error) {
	var n Node
	var props string
	var created, updated int64
	err := db.QueryRow(`
		SELECT id, type, properties, created_at, updated_at FROM graph_nodes WHERE id = ?
	`, id).Scan(&n.ID, &n.Type, &props, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	if n.Properties, err = decodeProps(props); err != nil {
		return nil, fmt.Errorf("decode node %s properties: %w", id, err)
	}
	n.CreatedAt = time.UnixMilli(created)
	n.UpdatedAt = time.UnixMilli(updated)
	return &n, nil
}

// DeleteNode removes a node. Its edges go with it through the foreign key
// cascade, in the same statement.
func (db *DB) DeleteNode(id string) error {
	if _, err := db.Exec("DELETE FROM graph_nodes WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// PutEdges inserts edges in one transaction. Either all are written or none.
func (db *DB) PutEdges(edges ...*Edge) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin put edges: %w", err)
	}
	for _, e := range edges {
		props, err := encodeProps(e.Properties)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encode edge properties: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO graph_edges (id, from_id, to_id, type, weight, properties, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.FromID, e.ToID, e.Type, e.Weight, props, e.CreatedAt.UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert edge %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put edges: %w", err)
	}
	return nil
}

// DeleteEdge removes one edge. Deleting a missing edge is not an error.
func (db *DB) DeleteEdge(id string) error {
	if _, err := db.Exec("DELETE FROM graph_edges WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return nil
}

// EdgesTouching returns every edge with from_id or to_id equal to id.
func (db *DB) EdgesTouching(id string) ([]Edge, error) {
	return db.queryEdges(`
		SELECT id, from_id, to_id, type, weight, properties, created_at
		FROM graph_edges WHERE from_id = ? OR to_id = ? ORDER BY id
	`, id, id)
}

// LoadGraph returns every node and edge, ordered by id.
func (db *DB) LoadGraph() ([]Node, []Edge, error) {
	rows, err := db.Query(`
		SELECT id, type, properties, created_at, updated_at FROM graph_nodes ORDER BY id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var props string
		var created, updated int64
		if err := rows.Scan(&n.ID, &n.Type, &props, &created, &updated); err != nil {
			return nil, nil, fmt.Errorf("scan node: %w", err)
		}
		if n.Properties, err = decodeProps(props); err != nil {
			return nil, nil, fmt.Errorf("decode node %s properties: %w", n.ID, err)
		}
		n.CreatedAt = time.UnixMilli(created)
		n.UpdatedAt = time.UnixMilli(updated)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load nodes: %w", err)
	}

	edges, err := db.queryEdges(`
		SELECT id, from_id, to_id, type, weight, properties, created_at
		FROM graph_edges ORDER BY id
	`)
	if err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

func (db *DB) queryEdges(query string, args ...any) ([]Edge, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var props string
		var created int64
		if err := rows.Scan(&e.ID, &e.FromID, &e.ToID, &e.Type, &e.Weight, &props, &created); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if e.Properties, err = decodeProps(props); err != nil {
			return nil, fmt.Errorf("decode edge %s properties: %w", e.ID, err)
		}
		e.CreatedAt = time.UnixMilli(created)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GraphCounts returns the number of stored nodes and edges.
func (db *DB) GraphCounts() (nodes, edges int, err error) {
	err = db.QueryRow(`
		SELECT (SELECT COUNT(*) FROM graph_nodes), (SELECT COUNT(*) FROM graph_edges)
	`).Scan(&nodes, &edges)
	if err != nil {
		return 0, 0, fmt.Errorf("graph counts: %w", err)
	}
	return nodes, edges, nil
}
