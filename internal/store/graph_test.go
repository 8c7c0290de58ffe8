package store

import (
	"testing"
	"time"
)

func putNode(t *testing.T, db *DB, id, typ string, props map[string]any) {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	if err := db.PutNode(&Node{ID: id, Type: typ, Properties: props, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("PutNode(%s): %v", id, err)
	}
}

func TestPutGetNode(t *testing.T) {
	db := testDB(t)
	putNode(t, db, "a", "Document", map[string]any{"title": "Alpha", "tags": []any{"x", "y"}})

	n, err := db.GetNode("a")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n == nil {
		t.Fatal("GetNode returned nil")
	}
	if n.Type != "Document" {
		t.Errorf("Type = %q, want Document", n.Type)
	}
	if n.Properties["title"] != "Alpha" {
		t.Errorf("title = %v, want Alpha", n.Properties["title"])
	}
	if n.CreatedAt.UnixMilli() != 1_700_000_000_000 {
		t.Errorf("CreatedAt = %v", n.CreatedAt)
	}

	missing, err := db.GetNode("nope")
	if err != nil {
		t.Fatalf("GetNode missing: %v", err)
	}
	if missing != nil {
		t.Errorf("GetNode missing = %+v, want nil", missing)
	}
}

func TestPutNodeUpsertKeepsCreatedAt(t *testing.T) {
	db := testDB(t)
	putNode(t, db, "a", "Document", nil)

	later := time.UnixMilli(1_800_000_000_000)
	if err := db.PutNode(&Node{ID: "a", Type: "Concept", Properties: map[string]any{"v": 2.0}, CreatedAt: later, UpdatedAt: later}); err != nil {
		t.Fatalf("PutNode upsert: %v", err)
	}
	n, _ := db.GetNode("a")
	if n.Type != "Concept" {
		t.Errorf("Type = %q, want Concept", n.Type)
	}
	if n.CreatedAt.UnixMilli() != 1_700_000_000_000 {
		t.Errorf("CreatedAt changed on upsert: %v", n.CreatedAt)
	}
	if n.UpdatedAt.UnixMilli() != 1_800_000_000_000 {
		t.Errorf("UpdatedAt = %v", n.UpdatedAt)
	}
}

func TestPutEdgesRequiresEndpoints(t *testing.T) {
	db := testDB(t)
	putNode(t, db, "a", "Document", nil)

	err := db.PutEdges(
		&Edge{ID: "e1", FromID: "a", ToID: "a", Type: "SELF", Weight: 1},
		&Edge{ID: "e2", FromID: "a", ToID: "ghost", Type: "CITES", Weight: 1},
	)
	if err == nil {
		t.Fatal("expected foreign key failure for missing endpoint")
	}

	// The batch is all or nothing.
	_, edges, err := db.GraphCounts()
	if err != nil {
		t.Fatalf("GraphCounts: %v", err)
	}
	if edges != 0 {
		t.Errorf("edges = %d after failed batch, want 0", edges)
	}
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	db := testDB(t)
	putNode(t, db, "a", "Document", nil)
	putNode(t, db, "b", "Document", nil)
	putNode(t, db, "c", "Concept", nil)

	if err := db.PutEdges(
		&Edge{ID: "ab", FromID: "a", ToID: "b", Type: "CITES", Weight: 1},
		&Edge{ID: "ba", FromID: "b", ToID: "a", Type: "CITES", Weight: 1},
		&Edge{ID: "bc", FromID: "b", ToID: "c", Type: "MENTIONS", Weight: 0.5},
	); err != nil {
		t.Fatalf("PutEdges: %v", err)
	}

	touching, err := db.EdgesTouching("a")
	if err != nil {
		t.Fatalf("EdgesTouching: %v", err)
	}
	if len(touching) != 2 {
		t.Fatalf("EdgesTouching(a) = %d, want 2", len(touching))
	}

	if err := db.DeleteNode("a"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}

	var dangling int
	if err := db.QueryRow(`SELECT COUNT(*) FROM graph_edges WHERE from_id = 'a' OR to_id = 'a'`).Scan(&dangling); err != nil {
		t.Fatal(err)
	}
	if dangling != 0 {
		t.Errorf("dangling edges = %d, want 0", dangling)
	}

	nodes, edges, err := db.LoadGraph()
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(nodes) != 2 || len(edges) != 1 {
		t.Fatalf("LoadGraph = %d nodes, %d edges, want 2, 1", len(nodes), len(edges))
	}
	if edges[0].ID != "bc" || edges[0].Weight != 0.5 {
		t.Errorf("remaining edge = %+v", edges[0])
	}
}

func TestDeleteEdgeIdempotent(t *testing.T) {
	db := testDB(t)
	putNode(t, db, "a", "Document", nil)
	if err := db.PutEdges(&Edge{ID: "aa", FromID: "a", ToID: "a", Type: "SELF", Weight: 1}); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := db.DeleteEdge("aa"); err != nil {
			t.Fatalf("DeleteEdge: %v", err)
		}
	}
}
