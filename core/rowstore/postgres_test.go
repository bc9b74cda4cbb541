package rowstore

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/datastelsel/datapi/core/csql"
	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/query"
)

const sqlDocument = `{
	"id": "gebieden",
	"version": "1.0.0",
	"tables": [
		{
			"id": "wijken",
			"temporal": {
				"identifier": "volgnummer",
				"dimensions": {"geldigOp": ["beginGeldigheid", "eindGeldigheid"]}
			},
			"schema": {
				"identifier": ["identificatie", "volgnummer"],
				"properties": {
					"identificatie": {"type": "string"},
					"volgnummer": {"type": "integer"},
					"beginGeldigheid": {"type": "string", "format": "date"},
					"eindGeldigheid": {"type": "string", "format": "date"},
					"naam": {"type": "string"}
				}
			}
		},
		{
			"id": "bouwblokken",
			"schema": {
				"identifier": "identificatie",
				"properties": {
					"identificatie": {"type": "string"},
					"code": {"type": "string"}
				}
			}
		},
		{
			"id": "buurten",
			"temporal": {
				"identifier": "volgnummer",
				"dimensions": {"geldigOp": ["beginGeldigheid", "eindGeldigheid"]}
			},
			"schema": {
				"identifier": ["identificatie", "volgnummer"],
				"mainGeometry": "geometrie",
				"properties": {
					"identificatie": {"type": "string"},
					"volgnummer": {"type": "integer"},
					"beginGeldigheid": {"type": "string", "format": "date"},
					"eindGeldigheid": {"type": "string", "format": "date"},
					"naam": {"type": "string"},
					"oppervlakte": {"type": "number"},
					"geometrie": {"$ref": "https://geojson.org/schema/Geometry.json"},
					"kernwaarden": {"type": "array", "items": {"type": "string"}},
					"gebruiksdoel": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {"code": {"type": "string"}}
						}
					},
					"ligtInWijk": {
						"type": "object",
						"relation": "gebieden:wijken",
						"properties": {
							"identificatie": {"type": "string"},
							"volgnummer": {"type": "integer"}
						}
					},
					"hoortBijWijk": {"type": "string", "relation": "gebieden:wijken"},
					"bestaatUitBouwblokken": {
						"type": "array",
						"relation": "gebieden:bouwblokken",
						"items": {"type": "string"}
					}
				}
			}
		}
	]
}`

type sqlFixture struct {
	snapshot *dmodel.Snapshot
	pg       *Postgres
	buurten  *dmodel.ModelDescriptor
}

func newSQLFixture(t *testing.T) *sqlFixture {
	t.Helper()
	ds, err := dschema.LoadDataset([]byte(sqlDocument))
	if err != nil {
		t.Fatal(err)
	}
	snapshot := dmodel.BuildSnapshot(context.Background(), []*dschema.Dataset{ds})
	buurten, ok := snapshot.Model("gebieden", "buurten")
	if !ok {
		t.Fatal("buurten model missing")
	}
	return &sqlFixture{
		snapshot: snapshot,
		pg:       NewPostgres(&csql.DB{Schema: "api"}),
		buurten:  buurten,
	}
}

func (fx *sqlFixture) build(t *testing.T, rawQuery string, header http.Header) (string, []any) {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatal(err)
	}
	if header == nil {
		header = http.Header{}
	}
	plan, err := query.Build(fx.buurten, fx.snapshot, values, header, nil)
	if err != nil {
		t.Fatal(err)
	}
	sqlText, args, _, err := fx.pg.buildSelect(fx.buurten, plan)
	if err != nil {
		t.Fatal(err)
	}
	return sqlText, args
}

func wantSQL(t *testing.T, sqlText string, parts ...string) {
	t.Helper()
	for _, part := range parts {
		if !strings.Contains(sqlText, part) {
			t.Errorf("missing %q in:\n%s", part, sqlText)
		}
	}
}

func TestBuildSelectDefaults(t *testing.T) {
	fx := newSQLFixture(t)
	sqlText, args := fx.build(t, "", nil)
	wantSQL(t, sqlText,
		`FROM api."gebieden_buurten" AS t0`,
		"count(*) OVER() AS full_count",
		`t0."eind_geldigheid" IS NULL`,
		`ORDER BY t0."identificatie", t0."volgnummer"`,
		"LIMIT 20 OFFSET 0",
	)
	if len(args) != 0 {
		t.Fatal("unexpected args:", args)
	}
}

func TestBuildSelectFilters(t *testing.T) {
	fx := newSQLFixture(t)

	sqlText, args := fx.build(t, "naam=Westpoort", nil)
	wantSQL(t, sqlText, `t0."naam" = $1`)
	if len(args) != 1 || args[0] != "Westpoort" {
		t.Fatal("unexpected args:", args)
	}

	sqlText, args = fx.build(t, "naam[like]=West*", nil)
	wantSQL(t, sqlText, `t0."naam" ILIKE $1`)
	if args[0] != "West%" {
		t.Fatal("pattern not translated:", args)
	}

	sqlText, _ = fx.build(t, "naam[in]=a,b", nil)
	wantSQL(t, sqlText, `t0."naam" IN ($1,$2)`)

	sqlText, _ = fx.build(t, "oppervlakte[isnull]=true", nil)
	wantSQL(t, sqlText, `t0."oppervlakte" IS NULL`)

	sqlText, _ = fx.build(t, "kernwaarden[contains]=groen,water", nil)
	wantSQL(t, sqlText, `t0."kernwaarden" @> $1`)

	sqlText, _ = fx.build(t, "kernwaarden[isempty]=true", nil)
	wantSQL(t, sqlText, `(t0."kernwaarden" IS NULL OR cardinality(t0."kernwaarden") = 0)`)
}

func TestBuildSelectRelationKeys(t *testing.T) {
	fx := newSQLFixture(t)

	sqlText, _ := fx.build(t, "ligtInWijk=W1", nil)
	wantSQL(t, sqlText, `t0."ligt_in_wijk_identificatie" = $1`)

	sqlText, _ = fx.build(t, "ligtInWijk.volgnummer=1", nil)
	wantSQL(t, sqlText, `t0."ligt_in_wijk_volgnummer" = $1`)

	// a list-valued reference matches any element
	sqlText, _ = fx.build(t, "bestaatUitBouwblokken=BB2", nil)
	wantSQL(t, sqlText, `$1 = ANY(t0."bestaat_uit_bouwblokken_identificatie")`)
}

func TestBuildSelectHops(t *testing.T) {
	fx := newSQLFixture(t)

	// strict references join on the pinned sequence
	sqlText, _ := fx.build(t, "ligtInWijk.naam=Centrum", nil)
	wantSQL(t, sqlText,
		`EXISTS (SELECT 1 FROM api."gebieden_wijken" AS t1`,
		`t1."identificatie" = t0."ligt_in_wijk_identificatie"`,
		`t1."volgnummer" = t0."ligt_in_wijk_volgnummer"`,
		`t1."naam" = $1`,
	)

	// loose references follow the temporal context instead
	sqlText, _ = fx.build(t, "hoortBijWijk.naam=Centrum", nil)
	wantSQL(t, sqlText,
		`t1."identificatie" = t0."hoort_bij_wijk_identificatie"`,
		`t1."eind_geldigheid" IS NULL`,
	)
	if strings.Contains(sqlText, `t1."volgnummer" = t0.`) {
		t.Fatal("loose hop must not join on a sequence:\n" + sqlText)
	}

	// list-valued references join with ANY
	sqlText, _ = fx.build(t, "bestaatUitBouwblokken.code=X1", nil)
	wantSQL(t, sqlText,
		`EXISTS (SELECT 1 FROM api."gebieden_bouwblokken" AS t1`,
		`t1."identificatie" = ANY(t0."bestaat_uit_bouwblokken_identificatie")`,
		`t1."code" = $1`,
	)
}

func TestBuildSelectTemporal(t *testing.T) {
	fx := newSQLFixture(t)

	sqlText, args := fx.build(t, "geldigOp=2010-05-01", nil)
	wantSQL(t, sqlText, `t0."begin_geldigheid" <= $1`, `t0."eind_geldigheid" > $2`)
	if len(args) != 2 {
		t.Fatal("unexpected args:", args)
	}

	// an explicit version filter suppresses the validity predicate
	sqlText, _ = fx.build(t, "volgnummer=1", nil)
	if strings.Contains(sqlText, `"eind_geldigheid" IS NULL`) {
		t.Fatal("unexpected validity predicate:\n" + sqlText)
	}
}

func TestBuildSelectGeometry(t *testing.T) {
	fx := newSQLFixture(t)

	sqlText, args := fx.build(t, "geometrie[contains]=4.9,52.37", nil)
	wantSQL(t, sqlText, `ST_Contains(t0."geometrie", ST_GeomFromText($1, 28992))`)
	if args[0] != "POINT(4.9 52.37)" {
		t.Fatal("point literal not normalized:", args)
	}

	header := http.Header{}
	header.Set("Accept-Crs", "EPSG:4326")
	sqlText, _ = fx.build(t, "geometrie[intersects]=POINT(4.9+52.37)", header)
	wantSQL(t, sqlText,
		`ST_Intersects(t0."geometrie", ST_Transform(ST_GeomFromText($1, 4326), 28992))`,
		`ST_AsGeoJSON(ST_Transform(t0."geometrie", 4326)) AS "geometrie"`,
	)
}

func TestBuildSelectJSON(t *testing.T) {
	fx := newSQLFixture(t)

	sqlText, args := fx.build(t, "gebruiksdoel.code=woon", nil)
	wantSQL(t, sqlText,
		`EXISTS (SELECT 1 FROM jsonb_array_elements(t0."gebruiksdoel") AS elem`,
		`elem.value #>> $1 = $2`,
	)
	if len(args) != 2 || args[1] != "woon" {
		t.Fatal("unexpected args:", args)
	}

	sqlText, _ = fx.build(t, "gebruiksdoel.code[isnull]=true", nil)
	wantSQL(t, sqlText, `(t0."gebruiksdoel" IS NULL OR NOT EXISTS (`)
}

func TestBuildSelectSortAndPaging(t *testing.T) {
	fx := newSQLFixture(t)

	sqlText, _ := fx.build(t, "_sort=-oppervlakte,naam&_pageSize=50&page=3", nil)
	wantSQL(t, sqlText,
		`ORDER BY t0."oppervlakte" DESC NULLS LAST, t0."naam" ASC NULLS FIRST, t0."identificatie", t0."volgnummer"`,
		"LIMIT 50 OFFSET 100",
	)
}

func TestBuildFetchOne(t *testing.T) {
	fx := newSQLFixture(t)

	seq := 2
	sqlText, args, _, err := fx.pg.buildFetchOne(fx.buurten, Key{ID: "B1", Sequence: &seq})
	if err != nil {
		t.Fatal(err)
	}
	wantSQL(t, sqlText,
		`FROM api."gebieden_buurten" AS t0`,
		`t0."identificatie" = $1`,
		`t0."volgnummer" = $2`,
		`ST_AsGeoJSON(t0."geometrie") AS "geometrie"`,
		"LIMIT 1",
	)
	if len(args) != 2 || args[0] != "B1" || args[1] != 2 {
		t.Fatal("unexpected args:", args)
	}

	// without a sequence the lookup selects the current version
	sqlText, _, _, err = fx.pg.buildFetchOne(fx.buurten, Key{ID: "B1"})
	if err != nil {
		t.Fatal(err)
	}
	wantSQL(t, sqlText, `t0."eind_geldigheid" IS NULL`)

	bouwblokken, ok := fx.snapshot.Model("gebieden", "bouwblokken")
	if !ok {
		t.Fatal("bouwblokken model missing")
	}
	sqlText, _, _, err = fx.pg.buildFetchOne(bouwblokken, Key{ID: "BB1"})
	if err != nil {
		t.Fatal(err)
	}
	wantSQL(t, sqlText, `FROM api."gebieden_bouwblokken" AS t0`, `t0."identificatie" = $1`)
	if strings.Contains(sqlText, "eind_geldigheid") {
		t.Fatal("non temporal lookup must not filter on validity:\n" + sqlText)
	}
}
