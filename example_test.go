package vecshard_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hupe1980/vecshard"
	"github.com/hupe1980/vecshard/collection"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
)

// Example demonstrates creating a collection, writing and reading points.
func Example() {
	dir, err := os.MkdirTemp("", "vecshard-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	st, err := vecshard.Open(ctx, dir)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	if err := st.CreateCollection(ctx, "docs", collection.Config{ShardNumber: 2}, 0); err != nil {
		log.Fatal(err)
	}
	err = st.Upsert(ctx, "docs",
		model.Point{ID: 1, Vector: []float32{0.1, 0.2}, Payload: map[string]any{"lang": "en"}},
		model.Point{ID: 2, Vector: []float32{0.3, 0.4}, Payload: map[string]any{"lang": "de"}},
	)
	if err != nil {
		log.Fatal(err)
	}

	pts, err := st.Get(ctx, "docs", []model.PointID{1, 2}, replica.ReadMajority)
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range pts {
		fmt.Println(p.ID, p.Payload["lang"])
	}
	// Output:
	// 1 en
	// 2 de
}

// ExampleStorage_UpdateAliases demonstrates switching an alias between two
// collections in one atomic batch.
func ExampleStorage_UpdateAliases() {
	dir, err := os.MkdirTemp("", "vecshard-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	st, err := vecshard.Open(ctx, dir)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	for _, name := range []string{"docs_v1", "docs_v2"} {
		if err := st.CreateCollection(ctx, name, collection.Config{}, 0); err != nil {
			log.Fatal(err)
		}
	}
	if err := st.UpdateAliases(ctx, []vecshard.AliasOperation{vecshard.CreateAlias("docs", "docs_v1")}, 0); err != nil {
		log.Fatal(err)
	}

	// Readers of "docs" switch over all at once.
	err = st.UpdateAliases(ctx, []vecshard.AliasOperation{
		vecshard.DeleteAlias("docs"),
		vecshard.CreateAlias("docs", "docs_v2"),
	}, 0)
	if err != nil {
		log.Fatal(err)
	}

	info, err := st.GetCollection(ctx, "docs")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(info.Name, info.Aliases)
	// Output: docs_v2 [docs]
}
