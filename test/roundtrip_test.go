package test

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/datastelsel/datapi/core/schemastore"
)

type halLink struct {
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
}

type wijkRef struct {
	Identificatie string `json:"identificatie"`
	Volgnummer    int    `json:"volgnummer"`
}

type buurtRow struct {
	Identificatie   string                 `json:"identificatie"`
	Volgnummer      int                    `json:"volgnummer"`
	BeginGeldigheid string                 `json:"beginGeldigheid"`
	EindGeldigheid  string                 `json:"eindGeldigheid"`
	Naam            string                 `json:"naam"`
	Code            string                 `json:"code"`
	Geometrie       map[string]interface{} `json:"geometrie"`
	LigtInWijk      *wijkRef               `json:"ligtInWijk"`
	Links           map[string]halLink     `json:"_links"`
}

type buurtEnvelope struct {
	Links    map[string]halLink `json:"_links"`
	Embedded struct {
		Buurten []buurtRow `json:"buurten"`
	} `json:"_embedded"`
	Page map[string]int `json:"page"`
}

type wijkRow struct {
	Identificatie string             `json:"identificatie"`
	Volgnummer    int                `json:"volgnummer"`
	Naam          string             `json:"naam"`
	Links         map[string]halLink `json:"_links"`
}

type buurtDetail struct {
	buurtRow
	Embedded struct {
		LigtInWijk []wijkRow `json:"ligtInWijk"`
	} `json:"_embedded"`
}

type DatasetAPITestSuite struct {
	IntegrationTestSuite
}

func TestDatasetAPITestSuite(t *testing.T) {
	if os.Getenv("DATAPI_INTEGRATION") == "" {
		t.Skip("set DATAPI_INTEGRATION to run the container tests")
	}
	ts := &DatasetAPITestSuite{}
	suite.Run(t, ts)
}

func (s *DatasetAPITestSuite) TestAcceptCrs() {
	var result buurtEnvelope
	status, _, err := s.reader.RawGetWithHeader("/gebieden/buurten/",
		map[string]string{"Accept-Crs": "EPSG:4326"}, &result)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	rows := result.Embedded.Buurten
	s.Require().Len(rows, 2)
	for _, b := range rows {
		coords, ok := b.Geometrie["coordinates"].([]interface{})
		s.Require().True(ok, "geometry must carry coordinates")
		s.Require().Len(coords, 2)
		// the database reprojects, De Pijp is near 4.9 east, 52.35 north
		s.Require().InDelta(4.9, coords[0].(float64), 0.5)
		s.Require().InDelta(52.35, coords[1].(float64), 0.5)
	}
}

func (s *DatasetAPITestSuite) TestCollectionRoundTrip() {
	var result buurtEnvelope
	status, err := s.reader.RawGet("/gebieden/buurten/", &result)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	rows := result.Embedded.Buurten
	s.Require().Len(rows, 2, "only current versions are served by default")
	s.Require().Equal(2, result.Page["totalElements"])

	byID := make(map[string]buurtRow)
	for _, b := range rows {
		byID[b.Identificatie] = b
	}
	zuid, ok := byID["03630000000078"]
	s.Require().True(ok)
	s.Require().Equal(2, zuid.Volgnummer)
	s.Require().Equal("Zuid-Pijp", zuid.Naam)
	s.Require().Equal("", zuid.EindGeldigheid)
	s.Require().Equal("/gebieden/buurten/03630000000078/?volgnummer=2", zuid.Links["self"].Href)

	s.Require().NotNil(zuid.LigtInWijk)
	s.Require().Equal("03630012052036", zuid.LigtInWijk.Identificatie)
	s.Require().Equal(2, zuid.LigtInWijk.Volgnummer)

	// geometry comes back as GeoJSON, in the storage CRS these are meters
	s.Require().Equal("Point", zuid.Geometrie["type"])
	coords := zuid.Geometrie["coordinates"].([]interface{})
	s.Require().Greater(coords[0].(float64), 1000.0)
}

func (s *DatasetAPITestSuite) TestDetailAndExpand() {
	var b buurtRow
	status, err := s.reader.RawGet("/gebieden/buurten/03630000000078/?volgnummer=1", &b)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(1, b.Volgnummer)
	s.Require().Equal("2015-01-01", b.EindGeldigheid)

	var detail buurtDetail
	status, err = s.reader.RawGet("/gebieden/buurten/03630000000078/?_expand=true", &detail)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(2, detail.Volgnummer)

	wijken := detail.Embedded.LigtInWijk
	s.Require().Len(wijken, 1)
	s.Require().Equal("De Pijp", wijken[0].Naam)
	s.Require().Equal(2, wijken[0].Volgnummer)
	s.Require().Equal("/gebieden/wijken/03630012052036/?volgnummer=2", wijken[0].Links["self"].Href)
}

func (s *DatasetAPITestSuite) TestFilterPushdown() {
	cases := []struct {
		query string
		want  []string
	}{
		{"naam=Zuid-Pijp", []string{"03630000000078"}},
		{"naam[like]=*Pijp", []string{"03630000000078", "03630000000079"}},
		{"ligtInWijk.naam=De Pijp", []string{"03630000000078", "03630000000079"}},
		{"volgnummer[gte]=2", []string{"03630000000078"}},
	}
	for _, c := range cases {
		var result buurtEnvelope
		status, err := s.reader.RawGet("/gebieden/buurten/?"+c.query, &result)
		s.Require().NoError(err, c.query)
		s.Require().Equal(http.StatusOK, status, c.query)

		got := []string{}
		for _, b := range result.Embedded.Buurten {
			got = append(got, b.Identificatie)
		}
		s.Require().ElementsMatch(c.want, got, c.query)
	}
}

func (s *DatasetAPITestSuite) TestReloadAcrossInstances() {
	status, _ := s.reader.RawGet("/sport/hallen/", nil)
	s.Require().Equal(http.StatusNotFound, status)

	_, err := schemastore.ImportDocuments(context.Background(), s.reg, [][]byte{[]byte(sportJSON)})
	s.Require().NoError(err)

	var result struct {
		Datasets []string `json:"datasets"`
	}
	status, err = s.admin.Reload(&result)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal([]string{"gebieden", "sport"}, result.Datasets)

	// the other instance picks the change up from the broker
	require.Eventually(s.T(), func() bool {
		var env struct {
			Embedded struct {
				Hallen []struct {
					Identificatie string `json:"identificatie"`
					Naam          string `json:"naam"`
				} `json:"hallen"`
			} `json:"_embedded"`
		}
		status, err := s.reader.RawGet("/sport/hallen/", &env)
		return err == nil && status == http.StatusOK && len(env.Embedded.Hallen) == 1 &&
			env.Embedded.Hallen[0].Naam == "Sporthallen Zuid"
	}, 30*time.Second, 250*time.Millisecond)
}

func (s *DatasetAPITestSuite) TestTemporalWindow() {
	var result buurtEnvelope
	status, err := s.reader.RawGet("/gebieden/buurten/?geldigOp=2012-06-01", &result)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	rows := result.Embedded.Buurten
	s.Require().Len(rows, 1)
	s.Require().Equal("03630000000078", rows[0].Identificatie)
	s.Require().Equal(1, rows[0].Volgnummer)
	s.Require().Equal("2015-01-01", rows[0].EindGeldigheid)
	s.Require().Equal("/gebieden/buurten/03630000000078/?volgnummer=1", rows[0].Links["self"].Href)
}
