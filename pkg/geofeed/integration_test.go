package geofeed_test

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"go-geofeed/pkg/geofeed"
)

var (
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	store     *geofeed.Store
)

var _ = BeforeSuite(func() {
	ctx := context.Background()

	c, err := postgres.Run(ctx, "postgis/postgis:16-3.4",
		postgres.WithDatabase("geofeed"),
		postgres.WithUsername("geofeed"),
		postgres.WithPassword("geofeed"),
		postgres.WithInitScripts("../../schema/001_init.sql"),
	)
	if err != nil {
		Skip("docker unavailable: " + err.Error())
	}
	container = c

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	pool, err = pgxpool.New(ctx, dsn)
	Expect(err).NotTo(HaveOccurred())
	store = geofeed.NewStore(pool)

	seedFixtures(ctx)
})

var _ = AfterSuite(func() {
	if pool != nil {
		pool.Close()
	}
	if container != nil {
		_ = container.Terminate(context.Background())
	}
})

// seedFixtures loads a small, known dataset: two nodes inside a bbox,
// one outside; a way connecting the two inside nodes; a relation
// referencing that way.
func seedFixtures(ctx context.Context) {
	_, err := pool.Exec(ctx, `
		INSERT INTO nodes (id, version, user_id, tstamp, changeset_id, tags, geom) VALUES
			(1, 1, 100, now(), 1000, '{"amenity":"cafe"}', ST_SetSRID(ST_MakePoint(0.1, 51.5), 4326)),
			(2, 1, 100, now(), 1000, '{}', ST_SetSRID(ST_MakePoint(0.2, 51.5), 4326)),
			(3, 1, 100, now(), 1000, '{}', ST_SetSRID(ST_MakePoint(80, 10), 4326));

		INSERT INTO ways (id, version, user_id, tstamp, changeset_id, tags, linestring) VALUES
			(10, 1, 100, now(), 1000, '{"highway":"residential"}',
			 ST_SetSRID(ST_MakeLine(ST_MakePoint(0.1, 51.5), ST_MakePoint(0.2, 51.5)), 4326));

		INSERT INTO way_nodes (way_id, node_id, sequence_id) VALUES
			(10, 1, 1), (10, 2, 2);

		INSERT INTO relations (id, version, user_id, tstamp, changeset_id, tags) VALUES
			(20, 1, 100, now(), 1000, '{"type":"route"}');

		INSERT INTO relation_members (relation_id, member_id, member_type, role, sequence_id) VALUES
			(20, 10, 'W', '', 1);

		INSERT INTO dataset_state (last_update) VALUES (now());
	`)
	Expect(err).NotTo(HaveOccurred())
}

var _ = Describe("Session.IterateBBox", func() {
	var session *geofeed.Session

	BeforeEach(func() {
		session = geofeed.NewSession(store, geofeed.DefaultSessionConfig())
	})

	AfterEach(func() {
		session.Release(context.Background())
	})

	It("streams the bounds marker, last-update marker, then matching entities", func() {
		ctx := context.Background()
		box, err := geofeed.NewBBoxSelector(0, 1, 52, 51)
		Expect(err).NotTo(HaveOccurred())

		stream, err := session.IterateBBox(ctx, box, false)
		Expect(err).NotTo(HaveOccurred())
		defer stream.Close()

		var records []geofeed.Record
		for stream.Next(ctx) {
			records = append(records, stream.Record())
		}
		Expect(stream.Err()).NotTo(HaveOccurred())

		Expect(records).NotTo(BeEmpty())
		Expect(records[0].Bounds).NotTo(BeNil())
		Expect(records[1].LastUpdate).NotTo(BeNil())

		var nodeIDs, wayIDs, relIDs []uint64
		for _, r := range records[2:] {
			switch {
			case r.Node != nil:
				nodeIDs = append(nodeIDs, r.Node.ID)
			case r.Polyline != nil:
				wayIDs = append(wayIDs, r.Polyline.ID)
			case r.Group != nil:
				relIDs = append(relIDs, r.Group.ID)
			}
		}
		Expect(nodeIDs).To(ConsistOf(uint64(1), uint64(2)))
		Expect(wayIDs).To(ConsistOf(uint64(10)))
		Expect(relIDs).To(ConsistOf(uint64(20)))
	})

	It("rejects opening a second stream before the first is closed", func() {
		ctx := context.Background()
		box, _ := geofeed.NewBBoxSelector(0, 1, 52, 51)

		first, err := session.IterateBBox(ctx, box, false)
		Expect(err).NotTo(HaveOccurred())
		defer first.Close()

		_, err = session.IterateBBox(ctx, box, false)
		Expect(geofeed.IsLifecycleViolation(err)).To(BeTrue())
	})
})

var _ = Describe("Session point lookups", func() {
	var session *geofeed.Session

	BeforeEach(func() {
		session = geofeed.NewSession(store, geofeed.DefaultSessionConfig())
	})

	AfterEach(func() {
		session.Release(context.Background())
	})

	It("returns a node by id", func() {
		n, err := session.NodeByID(context.Background(), 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(n.Tags).To(ContainElement(geofeed.Tag{Key: "amenity", Value: "cafe"}))
	})

	It("reports NotFound for a missing id", func() {
		_, err := session.NodeByID(context.Background(), 999)
		Expect(geofeed.IsNotFound(err)).To(BeTrue())
	})

	It("returns a polyline with its ordered node ids", func() {
		p, err := session.PolylineByID(context.Background(), 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.NodeIDs).To(Equal([]uint64{1, 2}))
	})

	It("returns a group with its members", func() {
		g, err := session.GroupByID(context.Background(), 20)
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Members).To(ConsistOf(geofeed.Member{Kind: geofeed.MemberPolyline, Referent: 10, Role: ""}))
	})
})

var _ = Describe("Session lifecycle", func() {
	It("rejects use after Release", func() {
		session := geofeed.NewSession(store, geofeed.DefaultSessionConfig())
		session.Release(context.Background())

		_, err := session.NodeByID(context.Background(), 1)
		Expect(geofeed.IsLifecycleViolation(err)).To(BeTrue())
	})

	It("allows Release after Complete without error", func() {
		session := geofeed.NewSession(store, geofeed.DefaultSessionConfig())
		Expect(session.Complete(context.Background())).To(Succeed())
		session.Release(context.Background())
	})

	It("allows Release on a Session that was never used", func() {
		session := geofeed.NewSession(store, geofeed.DefaultSessionConfig())
		session.Release(context.Background())
	})
})

var _ = Describe("Session schema validation", func() {
	It("poisons the session on first use when the schema version mismatches", func() {
		cfg := geofeed.DefaultSessionConfig()
		cfg.SchemaVersion = 999
		session := geofeed.NewSession(store, cfg)
		defer session.Release(context.Background())

		_, err := session.NodeByID(context.Background(), 1)
		Expect(geofeed.IsSchemaIncompatible(err)).To(BeTrue())

		_, err = session.NodeByID(context.Background(), 1)
		Expect(geofeed.IsLifecycleViolation(err)).To(BeTrue())
	})
})
