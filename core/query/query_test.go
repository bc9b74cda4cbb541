package query_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/datastelsel/datapi/core"
	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/query"
)

const gebiedenDocument = `{
	"id": "gebieden",
	"version": "1.0.0",
	"tables": [
		{
			"id": "stadsdelen",
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
					"naam": {"type": "string"},
					"ligtInStadsdeel": {
						"type": "object",
						"relation": "gebieden:stadsdelen",
						"properties": {
							"identificatie": {"type": "string"},
							"volgnummer": {"type": "integer"}
						}
					}
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
					"code": {"type": "string", "auth": "GEBIEDEN/INTERN"},
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
					"heeftGeheim": {"type": "string", "relation": "intern:dingen"}
				}
			}
		}
	]
}`

const internDocument = `{
	"id": "intern",
	"version": "1.0.0",
	"tables": [
		{
			"id": "dingen",
			"auth": "INTERN",
			"schema": {
				"identifier": "identificatie",
				"properties": {
					"identificatie": {"type": "string"},
					"naam": {"type": "string"}
				}
			}
		}
	]
}`

const brkDocument = `{
	"id": "brk",
	"version": "1.0.0",
	"tables": [
		{
			"id": "gemeenten",
			"schema": {
				"identifier": "identificatie",
				"properties": {
					"identificatie": {"type": "string"},
					"naam": {"type": "string"}
				}
			}
		}
	]
}`

func testSnapshot(t *testing.T) *dmodel.Snapshot {
	t.Helper()
	var datasets []*dschema.Dataset
	for _, doc := range []string{gebiedenDocument, internDocument, brkDocument} {
		ds, err := dschema.LoadDataset([]byte(doc))
		if err != nil {
			t.Fatal(err)
		}
		datasets = append(datasets, ds)
	}
	snapshot := dmodel.BuildSnapshot(context.Background(), datasets)
	if len(snapshot.Datasets()) != 3 {
		t.Fatal("fixture datasets should all build")
	}
	return snapshot
}

func buurtenModel(t *testing.T, snapshot *dmodel.Snapshot) *dmodel.ModelDescriptor {
	t.Helper()
	md, ok := snapshot.Model("gebieden", "buurten")
	if !ok {
		t.Fatal("buurten model missing")
	}
	return md
}

func build(t *testing.T, params string, auth *access.Authorization) (*query.Plan, error) {
	t.Helper()
	snapshot := testSnapshot(t)
	md := buurtenModel(t, snapshot)
	values, err := url.ParseQuery(params)
	if err != nil {
		t.Fatal(err)
	}
	return query.Build(md, snapshot, values, http.Header{}, auth)
}

func mustBuild(t *testing.T, params string, auth *access.Authorization) *query.Plan {
	t.Helper()
	plan, err := build(t, params, auth)
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func wantValidation(t *testing.T, params string, auth *access.Authorization) {
	t.Helper()
	if _, err := build(t, params, auth); !errors.Is(err, query.ErrValidation) {
		t.Fatalf("%s: expected a validation error, got %v", params, err)
	}
}

func TestBuildDefaults(t *testing.T) {
	plan := mustBuild(t, "", nil)
	if plan.Page != 1 || plan.PageSize != query.DefaultPageSize {
		t.Fatalf("unexpected pagination defaults: %d/%d", plan.Page, plan.PageSize)
	}
	if plan.CRS != core.CRSDefault {
		t.Fatal("unexpected default CRS:", plan.CRS)
	}
	if len(plan.Filters) != 0 || len(plan.Sort) != 0 || plan.Fields != nil || len(plan.Expand) != 0 {
		t.Fatal("empty request should produce an empty plan")
	}
	if plan.Temporal == nil || plan.Temporal.ValidAt != nil {
		t.Fatal("temporal table should default to the current versions")
	}
}

func TestBuildFilters(t *testing.T) {
	plan := mustBuild(t, "naam=West&oppervlakte[gte]=10.5&bewoond=true&naam[in]=a,b&beginGeldigheid[lt]=2010-05-01", nil)
	if len(plan.Filters) != 5 {
		t.Fatal("expected 5 filters, got", len(plan.Filters))
	}
	// filters come in deterministic parameter order
	byName := map[string]query.Filter{}
	for _, f := range plan.Filters {
		key := f.Field.Name + string(f.Op)
		byName[key] = f
	}

	eq := byName["naam"+string(query.OpEq)]
	if eq.Column != "naam" || eq.Value() != "West" || len(eq.Hops) != 0 {
		t.Fatalf("unexpected eq filter: %+v", eq)
	}
	gte := byName["oppervlakte"+string(query.OpGte)]
	if gte.Value() != 10.5 {
		t.Fatal("number operand not parsed:", gte.Value())
	}
	boolean := byName["bewoond"+string(query.OpEq)]
	if boolean.Value() != true {
		t.Fatal("boolean operand not parsed:", boolean.Value())
	}
	in := byName["naam"+string(query.OpIn)]
	if len(in.Values) != 2 || in.Values[0] != "a" || in.Values[1] != "b" {
		t.Fatal("in operands not parsed:", in.Values)
	}
	lt := byName["beginGeldigheid"+string(query.OpLt)]
	d, ok := lt.Value().(time.Time)
	if !ok || d.Format("2006-01-02") != "2010-05-01" {
		t.Fatal("date operand not parsed:", lt.Value())
	}
}

func TestBuildFilterValidation(t *testing.T) {
	wantValidation(t, "volgnummer=abc", nil)
	wantValidation(t, "naam[lt]=x", nil)
	wantValidation(t, "volgnummer[like]=1", nil)
	wantValidation(t, "naam[fuzzy]=x", nil)
	wantValidation(t, "onbekend=1", nil)
	wantValidation(t, "_onbekend=1", nil)
	wantValidation(t, "bewoond=misschien", nil)
	wantValidation(t, "naam[like=West", nil)
	wantValidation(t, "geometrie=x", nil)
	wantValidation(t, "kernwaarden[eq]=x", nil)
	wantValidation(t, "gebruiksdoel=x", nil)
}

func TestBuildFilterLeakage(t *testing.T) {
	// an invisible field must fail exactly like an unknown one
	wantValidation(t, "code=geheim", nil)
	wantValidation(t, "_sort=code", nil)

	intern := &access.Authorization{Scopes: []string{"GEBIEDEN/INTERN"}}
	plan := mustBuild(t, "code=geheim", intern)
	if len(plan.Filters) != 1 || plan.Filters[0].Column != "code" {
		t.Fatal("scope should open the field for filtering")
	}
	if _, err := build(t, "_sort=code", intern); err != nil {
		t.Fatal("scope should open the field for sorting:", err)
	}
}

func TestBuildRelationFilters(t *testing.T) {
	plan := mustBuild(t, "ligtInWijk=0363", nil)
	f := plan.Filters[0]
	if f.Column != "ligt_in_wijk_identificatie" || len(f.Hops) != 0 {
		t.Fatalf("relation eq should rewrite to the local key column: %+v", f)
	}

	plan = mustBuild(t, "ligtInWijk.identificatie=0363", nil)
	f = plan.Filters[0]
	if f.Column != "ligt_in_wijk_identificatie" || len(f.Hops) != 0 {
		t.Fatalf("identifier sub-field should rewrite to the local key column: %+v", f)
	}

	plan = mustBuild(t, "ligtInWijk.volgnummer=2", nil)
	f = plan.Filters[0]
	if f.Column != "ligt_in_wijk_volgnummer" || len(f.Hops) != 0 || f.Value() != 2 {
		t.Fatalf("sequence sub-field should rewrite to the local key column: %+v", f)
	}

	plan = mustBuild(t, "ligtInWijk.naam=Centrum", nil)
	f = plan.Filters[0]
	if len(f.Hops) != 1 || f.Column != "naam" {
		t.Fatalf("hop filter not built: %+v", f)
	}
	if f.Hops[0].Target.StorageTable != "gebieden_wijken" {
		t.Fatal("hop should target the wijken model")
	}

	plan = mustBuild(t, "ligtInWijk.ligtInStadsdeel.naam=Centrum", nil)
	f = plan.Filters[0]
	if len(f.Hops) != 2 || f.Hops[1].Target.StorageTable != "gebieden_stadsdelen" {
		t.Fatalf("two-hop filter not built: %+v", f)
	}
}

func TestBuildHopLeakage(t *testing.T) {
	// the relation field is visible but the target table is not
	wantValidation(t, "heeftGeheim.naam=x", nil)

	intern := &access.Authorization{Scopes: []string{"INTERN"}}
	plan := mustBuild(t, "heeftGeheim.naam=x", intern)
	if len(plan.Filters) != 1 || len(plan.Filters[0].Hops) != 1 {
		t.Fatal("scope should open the hop")
	}
}

func TestBuildSort(t *testing.T) {
	plan := mustBuild(t, "_sort=naam,-volgnummer", nil)
	if len(plan.Sort) != 2 {
		t.Fatal("expected 2 sort keys, got", len(plan.Sort))
	}
	if plan.Sort[0].Column != "naam" || plan.Sort[0].Desc {
		t.Fatal("unexpected first sort key")
	}
	if plan.Sort[1].Column != "volgnummer" || !plan.Sort[1].Desc {
		t.Fatal("unexpected second sort key")
	}

	plan = mustBuild(t, "_sort=ligtInWijk.identificatie", nil)
	if plan.Sort[0].Column != "ligt_in_wijk_identificatie" {
		t.Fatal("sorting on a relation key should use the local column")
	}

	wantValidation(t, "_sort=onbekend", nil)
	wantValidation(t, "_sort=ligtInWijk.naam", nil)
	wantValidation(t, "_sort=geometrie", nil)
	wantValidation(t, "_sort=naam,", nil)
}

func TestBuildFieldSelection(t *testing.T) {
	plan := mustBuild(t, "_fields=naam,ligtInWijk.naam", nil)
	s := plan.Fields

	if _, ok := s.Selects("naam", false); !ok {
		t.Fatal("naam should be selected")
	}
	if _, ok := s.Selects("geometrie", false); ok {
		t.Fatal("geometrie should not be selected")
	}
	if _, ok := s.Selects("identificatie", true); !ok {
		t.Fatal("identifier fields are always selected")
	}
	sub, ok := s.Selects("ligtInWijk", false)
	if !ok || sub == nil {
		t.Fatal("pass-through parent should be selected with a nested selection")
	}
	if _, ok := sub.Selects("naam", false); !ok {
		t.Fatal("nested naam should be selected")
	}

	plan = mustBuild(t, "_fields=-naam", nil)
	if _, ok := plan.Fields.Selects("naam", false); ok {
		t.Fatal("excluded field should not be selected")
	}
	if _, ok := plan.Fields.Selects("geometrie", false); !ok {
		t.Fatal("exclusion list keeps the others")
	}

	// nested exclusion implies the parent is still included
	plan = mustBuild(t, "_fields=-ligtInWijk.naam", nil)
	sub, ok = plan.Fields.Selects("ligtInWijk", false)
	if !ok {
		t.Fatal("parent of a nested exclusion should stay included")
	}
	if _, ok := sub.Selects("naam", false); ok {
		t.Fatal("nested exclusion should apply")
	}
	if _, ok := plan.Fields.Selects("naam", false); !ok {
		t.Fatal("other fields should stay included")
	}

	wantValidation(t, "_fields=naam,-geometrie", nil)
	wantValidation(t, "_fields=onbekend", nil)
	wantValidation(t, "_fields=code", nil) // invisible behaves like unknown
	wantValidation(t, "_fields=", nil)
}

func TestBuildExpand(t *testing.T) {
	plan := mustBuild(t, "_expand=true", nil)
	names := map[string]bool{}
	for _, path := range plan.Expand {
		if len(path) != 1 {
			t.Fatal("expand=true should produce single-step paths")
		}
		names[path[0]] = true
	}
	if !names["ligtInWijk"] || !names["heeftGeheim"] {
		t.Fatal("expand=true should cover all relation fields, got", names)
	}

	plan = mustBuild(t, "_expandScope=ligtInWijk,ligtInWijk.ligtInStadsdeel", nil)
	if len(plan.Expand) != 2 || len(plan.Expand[1]) != 2 {
		t.Fatal("unexpected expand paths:", plan.Expand)
	}

	plan = mustBuild(t, "_expand=false", nil)
	if len(plan.Expand) != 0 {
		t.Fatal("expand=false should produce no paths")
	}

	wantValidation(t, "_expand=banana", nil)
	wantValidation(t, "_expandScope=naam", nil)
	wantValidation(t, "_expandScope=onbekend", nil)
}

func TestBuildTemporal(t *testing.T) {
	plan := mustBuild(t, "geldigOp=2010-05-01", nil)
	if plan.Temporal == nil || plan.Temporal.ValidAt == nil {
		t.Fatal("geldigOp should set the validity date")
	}
	if plan.Temporal.ValidAt.Format("2006-01-02") != "2010-05-01" {
		t.Fatal("unexpected validity date:", plan.Temporal.ValidAt)
	}

	// explicit version filters take over version selection
	plan = mustBuild(t, "volgnummer=1", nil)
	if plan.Temporal != nil {
		t.Fatal("explicit sequence filter should suppress the current-version default")
	}
	plan = mustBuild(t, "eindGeldigheid[isnull]=true", nil)
	if plan.Temporal != nil {
		t.Fatal("explicit validity filter should suppress the current-version default")
	}

	wantValidation(t, "geldigOp=gisteren", nil)

	// non-temporal tables reject the directive
	snapshot := testSnapshot(t)
	md, _ := snapshot.Model("brk", "gemeenten")
	_, err := query.Build(md, snapshot, url.Values{"geldigOp": []string{"2010-05-01"}}, http.Header{}, nil)
	if !errors.Is(err, query.ErrValidation) {
		t.Fatal("geldigOp on a non-temporal table should fail, got", err)
	}
}

func TestBuildPagination(t *testing.T) {
	plan := mustBuild(t, "_pageSize=50&page=3", nil)
	if plan.PageSize != 50 || plan.Page != 3 {
		t.Fatalf("unexpected pagination: %d/%d", plan.Page, plan.PageSize)
	}
	wantValidation(t, "_pageSize=0", nil)
	wantValidation(t, "_pageSize=5000", nil)
	wantValidation(t, "page=x", nil)
	wantValidation(t, "page=-1", nil)
}

func TestBuildFormatAndCRS(t *testing.T) {
	if _, err := build(t, "_format=json", nil); err != nil {
		t.Fatal(err)
	}
	wantValidation(t, "_format=csv", nil)

	snapshot := testSnapshot(t)
	md := buurtenModel(t, snapshot)
	header := http.Header{}
	header.Set("Accept-Crs", "EPSG:4326")
	plan, err := query.Build(md, snapshot, url.Values{}, header, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.CRS != core.CRSWGS84 {
		t.Fatal("Accept-Crs not negotiated:", plan.CRS)
	}

	header.Set("Accept-Crs", "EPSG:99999")
	if _, err := query.Build(md, snapshot, url.Values{}, header, nil); !errors.Is(err, query.ErrValidation) {
		t.Fatal("unsupported CRS should fail validation, got", err)
	}
}

func TestBuildGeometry(t *testing.T) {
	plan := mustBuild(t, "geometrie[contains]=4.9,52.37", nil)
	f := plan.Filters[0]
	if f.Op != query.OpContains || f.Value() != "POINT(4.9 52.37)" {
		t.Fatalf("point literal not normalized: %+v", f)
	}

	plan = mustBuild(t, "geometrie[intersects]=POLYGON((0 0,1 0,1 1,0 0))", nil)
	if plan.Filters[0].Value() != "POLYGON((0 0,1 0,1 1,0 0))" {
		t.Fatal("WKT literal should pass through")
	}

	wantValidation(t, "geometrie[contains]=banana", nil)
}

func TestBuildArrayAndJSON(t *testing.T) {
	plan := mustBuild(t, "kernwaarden[contains]=groen,water", nil)
	f := plan.Filters[0]
	if f.Op != query.OpContains || len(f.Values) != 2 {
		t.Fatalf("array contains not parsed: %+v", f)
	}

	plan = mustBuild(t, "gebruiksdoel.code=woon", nil)
	f = plan.Filters[0]
	if len(f.JSONPath) != 1 || f.JSONPath[0] != "code" {
		t.Fatalf("json sub-field path not built: %+v", f)
	}
	if f.Column != "gebruiksdoel" || f.Value() != "woon" {
		t.Fatalf("json sub-field filter not built: %+v", f)
	}

	if _, err := build(t, "gebruiksdoel.code[like]=w*", nil); err != nil {
		t.Fatal("like on a json sub-field should be allowed:", err)
	}
	wantValidation(t, "gebruiksdoel.code[lt]=x", nil)
	wantValidation(t, "naam.sub=x", nil)
}

func TestTemporalParams(t *testing.T) {
	snapshot := testSnapshot(t)
	md := buurtenModel(t, snapshot)

	seq, validAt, err := query.TemporalParams(md, url.Values{"volgnummer": []string{"2"}})
	if err != nil || seq == nil || *seq != 2 || validAt != nil {
		t.Fatalf("unexpected temporal params: %v/%v/%v", seq, validAt, err)
	}

	seq, validAt, err = query.TemporalParams(md, url.Values{"geldigOp": []string{"2010-04-30"}})
	if err != nil || seq != nil || validAt == nil {
		t.Fatalf("unexpected temporal params: %v/%v/%v", seq, validAt, err)
	}

	if _, _, err := query.TemporalParams(md, url.Values{"volgnummer": []string{"abc"}}); !errors.Is(err, query.ErrValidation) {
		t.Fatal("garbage sequence should fail, got", err)
	}

	gemeenten, _ := snapshot.Model("brk", "gemeenten")
	if _, _, err := query.TemporalParams(gemeenten, url.Values{"volgnummer": []string{"1"}}); !errors.Is(err, query.ErrValidation) {
		t.Fatal("sequence selector on a non-temporal table should fail, got", err)
	}
}

func TestLikeTranslation(t *testing.T) {
	if got := query.LikeToSQL("West*"); got != "West%" {
		t.Fatal("unexpected SQL pattern:", got)
	}
	if got := query.LikeToSQL("??st"); got != "__st" {
		t.Fatal("unexpected SQL pattern:", got)
	}
	if got := query.LikeToSQL("100%_\\"); got != "100\\%\\_\\\\" {
		t.Fatal("literal pattern characters should be escaped:", got)
	}

	re := query.LikeToRegexp("West*")
	for name, want := range map[string]bool{
		"Westpoort":  true,
		"West":       true,
		"west":       true,
		"Oosterpark": false,
	} {
		if re.MatchString(name) != want {
			t.Errorf("West* match %s: want %v", name, want)
		}
	}

	re = query.LikeToRegexp("??st")
	for name, want := range map[string]bool{
		"Oost":      true,
		"West":      true,
		"Westpoort": false,
		"st":        false,
	} {
		if re.MatchString(name) != want {
			t.Errorf("??st match %s: want %v", name, want)
		}
	}

	re = query.LikeToRegexp("a.c*")
	if re.MatchString("abcd") {
		t.Fatal("dot must match literally")
	}
	if !re.MatchString("a.cd") {
		t.Fatal("literal dot should match")
	}
}

func TestGeoWKT(t *testing.T) {
	wkt, err := query.GeoWKT("4.9,52.37")
	if err != nil || wkt != "POINT(4.9 52.37)" {
		t.Fatal("point literal not normalized:", wkt, err)
	}
	if _, err := query.GeoWKT("POINT(4.9 52.37)"); err != nil {
		t.Fatal(err)
	}
	if _, err := query.GeoWKT("CIRCLE(1 1)"); err == nil {
		t.Fatal("unknown geometry type should fail")
	}
}
