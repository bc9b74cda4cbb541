package rowstore_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/query"
	"github.com/datastelsel/datapi/core/rowstore"
)

const gebiedenDocument = `{
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
					"bewoond": {"type": "boolean"},
					"geometrie": {"$ref": "https://geojson.org/schema/Geometry.json"},
					"kernwaarden": {"type": "array", "items": {"type": "string"}},
					"gebruiksdoel": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"code": {"type": "string"},
								"omschrijving": {"type": "string"}
							}
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

type fixture struct {
	snapshot *dmodel.Snapshot
	store    *rowstore.Memory
	buurten  *dmodel.ModelDescriptor
	wijken   *dmodel.ModelDescriptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ds, err := dschema.LoadDataset([]byte(gebiedenDocument))
	if err != nil {
		t.Fatal(err)
	}
	fx := &fixture{
		snapshot: dmodel.BuildSnapshot(context.Background(), []*dschema.Dataset{ds}),
		store:    rowstore.NewMemory(),
	}
	var ok bool
	if fx.buurten, ok = fx.snapshot.Model("gebieden", "buurten"); !ok {
		t.Fatal("buurten model missing")
	}
	if fx.wijken, ok = fx.snapshot.Model("gebieden", "wijken"); !ok {
		t.Fatal("wijken model missing")
	}

	fx.store.Seed(fx.wijken,
		rowstore.Row{"identificatie": "W1", "volgnummer": 1, "beginGeldigheid": "2006-06-16", "eindGeldigheid": "2010-05-01", "naam": "Centrum oud"},
		rowstore.Row{"identificatie": "W1", "volgnummer": 2, "beginGeldigheid": "2010-05-01", "naam": "Centrum"},
	)
	fx.store.Seed(fx.buurten,
		rowstore.Row{
			"identificatie": "B1", "volgnummer": 1,
			"beginGeldigheid": "2006-06-16", "eindGeldigheid": "2010-05-01",
			"naam": "Nieuwmarkt oud", "oppervlakte": 50.0, "bewoond": true,
			"ligtInWijk": map[string]any{"identificatie": "W1", "volgnummer": 1},
		},
		rowstore.Row{
			"identificatie": "B1", "volgnummer": 2,
			"beginGeldigheid": "2010-05-01",
			"naam": "Nieuwmarkt", "oppervlakte": 60.5, "bewoond": true,
			"kernwaarden":  []any{"water", "groen"},
			"gebruiksdoel": []any{map[string]any{"code": "woon"}, map[string]any{"code": "werk"}},
			"ligtInWijk":   map[string]any{"identificatie": "W1", "volgnummer": 2},
			"hoortBijWijk": "W1",
			"bestaatUitBouwblokken": []any{"BB1", "BB2"},
		},
		rowstore.Row{
			"identificatie": "B2", "volgnummer": 1,
			"beginGeldigheid": "2012-01-01",
			"naam": "Westpoort", "oppervlakte": 10.0, "bewoond": false,
			"kernwaarden": []any{},
			"ligtInWijk":  map[string]any{"identificatie": "W1", "volgnummer": 1},
			"bestaatUitBouwblokken": []any{"BB2"},
		},
		rowstore.Row{
			"identificatie": "B3", "volgnummer": 1,
			"beginGeldigheid": "2012-01-01",
			"naam": "Oosterpark", "bewoond": true,
			"gebruiksdoel": []any{map[string]any{"code": "woon"}},
			"hoortBijWijk": "W1",
		},
	)
	return fx
}

func (fx *fixture) plan(t *testing.T, md *dmodel.ModelDescriptor, rawQuery string) *query.Plan {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := query.Build(md, fx.snapshot, values, http.Header{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

// fetch runs the query and returns the row keys in order.
func (fx *fixture) fetch(t *testing.T, md *dmodel.ModelDescriptor, rawQuery string) ([]string, int) {
	t.Helper()
	plan := fx.plan(t, md, rawQuery)
	rows, total, err := fx.store.FetchRows(context.Background(), md, plan)
	if err != nil {
		t.Fatal(err)
	}
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.Key(md).String())
	}
	return keys, total
}

func equalKeys(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestMemoryCurrentDefault(t *testing.T) {
	fx := newFixture(t)
	keys, total := fx.fetch(t, fx.buurten, "")
	if !equalKeys(keys, "B1:2", "B2:1", "B3:1") {
		t.Fatal("unexpected current rows:", keys)
	}
	if total != 3 {
		t.Fatal("unexpected total:", total)
	}
}

func TestMemoryFilters(t *testing.T) {
	fx := newFixture(t)

	for rawQuery, want := range map[string][]string{
		"naam=Westpoort":               {"B2:1"},
		"naam[like]=West*":             {"B2:1"},
		"naam[like]=??st*":             {"B2:1", "B3:1"},
		"naam[in]=Westpoort,Oosterpark": {"B2:1", "B3:1"},
		"naam[not]=Westpoort":          {"B1:2", "B3:1"},
		"oppervlakte[gte]=50":          {"B1:2"},
		"oppervlakte[lt]=20":           {"B2:1"},
		"oppervlakte[isnull]=true":     {"B3:1"},
		"oppervlakte[isnull]=false":    {"B1:2", "B2:1"},
		"bewoond=false":                {"B2:1"},
		"kernwaarden[isempty]=true":    {"B2:1", "B3:1"},
		"kernwaarden[contains]=groen":  {"B1:2"},
		"kernwaarden[contains]=groen,water": {"B1:2"},
		"kernwaarden[contains]=groen,vuur":  {},
		"gebruiksdoel.code=woon":       {"B1:2", "B3:1"},
		"gebruiksdoel.code=werk":       {"B1:2"},
		"gebruiksdoel.code[like]=w*":   {"B1:2", "B3:1"},
		"gebruiksdoel.code[isnull]=true": {"B2:1"},
		"beginGeldigheid[gte]=2012-01-01&eindGeldigheid[isnull]=true": {"B2:1", "B3:1"},
	} {
		keys, _ := fx.fetch(t, fx.buurten, rawQuery)
		if !equalKeys(keys, want...) {
			t.Errorf("%s: got %v, want %v", rawQuery, keys, want)
		}
	}
}

func TestMemoryRelationKeyFilters(t *testing.T) {
	fx := newFixture(t)

	keys, _ := fx.fetch(t, fx.buurten, "ligtInWijk=W1")
	if !equalKeys(keys, "B1:2", "B2:1") {
		t.Fatal("relation key filter:", keys)
	}
	keys, _ = fx.fetch(t, fx.buurten, "ligtInWijk.volgnummer=1")
	if !equalKeys(keys, "B2:1") {
		t.Fatal("relation sequence filter:", keys)
	}
	keys, _ = fx.fetch(t, fx.buurten, "ligtInWijk[isnull]=true")
	if !equalKeys(keys, "B3:1") {
		t.Fatal("relation isnull filter:", keys)
	}
	// a list-valued reference matches when any element does
	keys, _ = fx.fetch(t, fx.buurten, "bestaatUitBouwblokken=BB2")
	if !equalKeys(keys, "B1:2", "B2:1") {
		t.Fatal("list reference eq filter:", keys)
	}
	keys, _ = fx.fetch(t, fx.buurten, "bestaatUitBouwblokken[contains]=BB1,BB2")
	if !equalKeys(keys, "B1:2") {
		t.Fatal("list reference contains filter:", keys)
	}
}

func TestMemoryHopFilters(t *testing.T) {
	fx := newFixture(t)

	// strict references pin the stored version: B2 references W1 version 1
	keys, _ := fx.fetch(t, fx.buurten, "ligtInWijk.naam=Centrum+oud")
	if !equalKeys(keys, "B2:1") {
		t.Fatal("strict hop should match the pinned version:", keys)
	}
	keys, _ = fx.fetch(t, fx.buurten, "ligtInWijk.naam=Centrum")
	if !equalKeys(keys, "B1:2") {
		t.Fatal("strict hop:", keys)
	}

	// loose references follow the temporal context, the current W1 is Centrum
	keys, _ = fx.fetch(t, fx.buurten, "hoortBijWijk.naam=Centrum")
	if !equalKeys(keys, "B1:2", "B3:1") {
		t.Fatal("loose hop should match the current version:", keys)
	}
	keys, _ = fx.fetch(t, fx.buurten, "hoortBijWijk.naam=Centrum+oud")
	if len(keys) != 0 {
		t.Fatal("loose hop must not match closed versions:", keys)
	}
}

func TestMemorySort(t *testing.T) {
	fx := newFixture(t)

	keys, _ := fx.fetch(t, fx.buurten, "_sort=-oppervlakte")
	if !equalKeys(keys, "B1:2", "B2:1", "B3:1") {
		t.Fatal("descending sort with null last:", keys)
	}
	keys, _ = fx.fetch(t, fx.buurten, "_sort=bewoond,naam")
	if !equalKeys(keys, "B2:1", "B1:2", "B3:1") {
		t.Fatal("multi key sort:", keys)
	}
}

func TestMemoryPagination(t *testing.T) {
	fx := newFixture(t)

	keys, total := fx.fetch(t, fx.buurten, "_pageSize=2&page=1")
	if !equalKeys(keys, "B1:2", "B2:1") || total != 3 {
		t.Fatal("first page:", keys, total)
	}
	keys, total = fx.fetch(t, fx.buurten, "_pageSize=2&page=2")
	if !equalKeys(keys, "B3:1") || total != 3 {
		t.Fatal("second page:", keys, total)
	}
	keys, total = fx.fetch(t, fx.buurten, "_pageSize=2&page=5")
	if len(keys) != 0 || total != 3 {
		t.Fatal("past the end:", keys, total)
	}
}

func TestMemoryTemporal(t *testing.T) {
	fx := newFixture(t)

	keys, _ := fx.fetch(t, fx.buurten, "geldigOp=2008-01-01")
	if !equalKeys(keys, "B1:1") {
		t.Fatal("validity window:", keys)
	}
	keys, _ = fx.fetch(t, fx.buurten, "geldigOp=2010-05-01")
	if !equalKeys(keys, "B1:2") {
		t.Fatal("validity start is inclusive, end exclusive:", keys)
	}
	// explicit version filters see all versions
	keys, _ = fx.fetch(t, fx.buurten, "volgnummer=1")
	if !equalKeys(keys, "B1:1", "B2:1", "B3:1") {
		t.Fatal("explicit sequence filter:", keys)
	}
}

func TestMemoryFetchOne(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	seq := 1
	row, err := fx.store.FetchOne(ctx, fx.wijken, rowstore.Key{ID: "W1", Sequence: &seq})
	if err != nil {
		t.Fatal(err)
	}
	if row["naam"] != "Centrum oud" {
		t.Fatal("expected the pinned version, got", row["naam"])
	}

	// without a sequence the current version wins
	row, err = fx.store.FetchOne(ctx, fx.wijken, rowstore.Key{ID: "W1"})
	if err != nil {
		t.Fatal(err)
	}
	if row["naam"] != "Centrum" {
		t.Fatal("expected the current version, got", row["naam"])
	}

	if _, err := fx.store.FetchOne(ctx, fx.wijken, rowstore.Key{ID: "W9"}); err != rowstore.ErrNotFound {
		t.Fatal("unknown key should not fetch, got", err)
	}

	bouwblokken, ok := fx.snapshot.Model("gebieden", "bouwblokken")
	if !ok {
		t.Fatal("bouwblokken model missing")
	}
	fx.store.Seed(bouwblokken, rowstore.Row{"identificatie": "BB1", "code": "AA01"})
	row, err = fx.store.FetchOne(ctx, bouwblokken, rowstore.Key{ID: "BB1"})
	if err != nil {
		t.Fatal(err)
	}
	if row["code"] != "AA01" {
		t.Fatal("unexpected row:", row)
	}
}

func TestMemoryGeometryUnsupported(t *testing.T) {
	fx := newFixture(t)
	plan := fx.plan(t, fx.buurten, "geometrie[intersects]=POINT(1+2)")
	_, _, err := fx.store.FetchRows(context.Background(), fx.buurten, plan)
	if !errors.Is(err, rowstore.ErrUnsupported) {
		t.Fatal("geometry predicates are not supported in memory, got", err)
	}
}

func TestMemorySeedIsolation(t *testing.T) {
	fx := newFixture(t)
	fx.store.Clear()
	keys, total := fx.fetch(t, fx.buurten, "")
	if len(keys) != 0 || total != 0 {
		t.Fatal("cleared store should be empty:", keys, total)
	}
}
