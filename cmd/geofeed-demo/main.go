// Command geofeed-demo runs a single bounding-box query against a
// geofeed-schema database and prints the resulting stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"go-geofeed/pkg/geofeed"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("GEOFEED_DSN"), "postgres connection string")
	left := flag.Float64("left", -0.5, "bbox left (min longitude)")
	right := flag.Float64("right", 0.5, "bbox right (max longitude)")
	bottom := flag.Float64("bottom", 51.3, "bbox bottom (min latitude)")
	top := flag.Float64("top", 51.7, "bbox top (max latitude)")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("geofeed-demo: -dsn or GEOFEED_DSN must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	store := geofeed.NewStore(pool)
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if err := run(ctx, store, *left, *right, *bottom, *top); err != nil {
		log.Fatalf("run: %v", err)
	}
}

func run(ctx context.Context, store *geofeed.Store, left, right, bottom, top float64) error {
	session := geofeed.NewSession(store, geofeed.DefaultSessionConfig())
	defer session.Release(ctx)

	box, err := geofeed.NewBBoxSelector(left, right, top, bottom)
	if err != nil {
		return fmt.Errorf("build selector: %w", err)
	}

	stream, err := session.IterateBBox(ctx, box, false)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	var nodes, polylines, groups int
	for stream.Next(ctx) {
		rec := stream.Record()
		switch {
		case rec.Bounds != nil:
			fmt.Printf("bounds[%s]: (%v,%v)-(%v,%v)\n", rec.Bounds.Origin, rec.Bounds.Left, rec.Bounds.Bottom, rec.Bounds.Right, rec.Bounds.Top)
		case rec.LastUpdate != nil:
			fmt.Printf("last update: %s\n", rec.LastUpdate.Timestamp)
		case rec.Node != nil:
			nodes++
		case rec.Polyline != nil:
			polylines++
		case rec.Group != nil:
			groups++
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	fmt.Printf("nodes=%d polylines=%d groups=%d\n", nodes, polylines, groups)
	stream.Close()
	return session.Complete(ctx)
}
