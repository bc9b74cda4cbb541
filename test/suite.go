// Package test runs the server against real infrastructure: a PostGIS
// database and a Kafka broker in containers. The suite wires two backend
// instances onto the same database and reload topic, the way a scaled
// deployment runs.
//
// The suite is skipped unless DATAPI_INTEGRATION is set.
package test

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/datastelsel/datapi/core/backend"
	"github.com/datastelsel/datapi/core/client"
	"github.com/datastelsel/datapi/core/csql"
	"github.com/datastelsel/datapi/core/notify"
	"github.com/datastelsel/datapi/core/registry"
	"github.com/datastelsel/datapi/core/rowstore"
	"github.com/datastelsel/datapi/core/schemastore"
)

var gebiedenJSON string = `{
	"type": "dataset",
	"id": "gebieden",
	"title": "Gebieden",
	"version": "1.0.0",
	"tables": [
	  {
		"id": "buurten",
		"title": "Buurten",
		"temporal": {
		  "identifier": "volgnummer",
		  "dimensions": {"geldigOp": ["beginGeldigheid", "eindGeldigheid"]}
		},
		"schema": {
		  "identifier": ["identificatie", "volgnummer"],
		  "display": "naam",
		  "mainGeometry": "geometrie",
		  "properties": {
			"identificatie": {"type": "string"},
			"volgnummer": {"type": "integer"},
			"beginGeldigheid": {"type": "string", "format": "date"},
			"eindGeldigheid": {"type": "string", "format": "date"},
			"naam": {"type": "string"},
			"code": {"type": "string"},
			"geometrie": {"$ref": "https://geojson.org/schema/Geometry.json"},
			"ligtInWijk": {
			  "type": "object",
			  "relation": "gebieden:wijken",
			  "properties": {
				"identificatie": {"type": "string"},
				"volgnummer": {"type": "integer"}
			  }
			}
		  }
		}
	  },
	  {
		"id": "wijken",
		"title": "Wijken",
		"temporal": {
		  "identifier": "volgnummer",
		  "dimensions": {"geldigOp": ["beginGeldigheid", "eindGeldigheid"]}
		},
		"schema": {
		  "identifier": ["identificatie", "volgnummer"],
		  "display": "naam",
		  "properties": {
			"identificatie": {"type": "string"},
			"volgnummer": {"type": "integer"},
			"beginGeldigheid": {"type": "string", "format": "date"},
			"eindGeldigheid": {"type": "string", "format": "date"},
			"naam": {"type": "string"},
			"ligtInStadsdeel": {"type": "string", "relation": "gebieden:stadsdelen"}
		  }
		}
	  },
	  {
		"id": "stadsdelen",
		"title": "Stadsdelen",
		"temporal": {
		  "identifier": "volgnummer",
		  "dimensions": {"geldigOp": ["beginGeldigheid", "eindGeldigheid"]}
		},
		"schema": {
		  "identifier": ["identificatie", "volgnummer"],
		  "display": "naam",
		  "properties": {
			"identificatie": {"type": "string"},
			"volgnummer": {"type": "integer"},
			"beginGeldigheid": {"type": "string", "format": "date"},
			"eindGeldigheid": {"type": "string", "format": "date"},
			"naam": {"type": "string"},
			"code": {"type": "string"}
		  }
		}
	  }
	]
  }
`

var sportJSON string = `{
	"type": "dataset",
	"id": "sport",
	"title": "Sport",
	"version": "1.0.0",
	"tables": [
	  {
		"id": "hallen",
		"schema": {
		  "identifier": "identificatie",
		  "properties": {
			"identificatie": {"type": "string"},
			"naam": {"type": "string"}
		  }
		}
	  }
	]
  }
`

const reloadTopic = "datapi-catalog"

var schemaDDL = `
CREATE TABLE datapi.gebieden_buurten (
	identificatie text NOT NULL,
	volgnummer integer NOT NULL,
	begin_geldigheid date,
	eind_geldigheid date,
	naam text,
	code text,
	geometrie geometry(Point, 28992),
	ligt_in_wijk_identificatie text,
	ligt_in_wijk_volgnummer integer,
	PRIMARY KEY (identificatie, volgnummer)
);
CREATE TABLE datapi.gebieden_wijken (
	identificatie text NOT NULL,
	volgnummer integer NOT NULL,
	begin_geldigheid date,
	eind_geldigheid date,
	naam text,
	ligt_in_stadsdeel_identificatie text,
	PRIMARY KEY (identificatie, volgnummer)
);
CREATE TABLE datapi.gebieden_stadsdelen (
	identificatie text NOT NULL,
	volgnummer integer NOT NULL,
	begin_geldigheid date,
	eind_geldigheid date,
	naam text,
	code text,
	PRIMARY KEY (identificatie, volgnummer)
);
CREATE TABLE datapi.sport_hallen (
	identificatie text PRIMARY KEY,
	naam text
);

INSERT INTO datapi.gebieden_buurten VALUES
	('03630000000078', 1, '2010-01-01', '2015-01-01', 'Zuid-Pijp', 'A04a',
	 ST_SetSRID(ST_MakePoint(121850, 485900), 28992), '03630012052036', 1),
	('03630000000078', 2, '2015-01-01', NULL, 'Zuid-Pijp', 'A04a',
	 ST_SetSRID(ST_MakePoint(121850, 485900), 28992), '03630012052036', 2),
	('03630000000079', 1, '2015-01-01', NULL, 'Noord-Pijp', 'A04b',
	 ST_SetSRID(ST_MakePoint(121950, 486200), 28992), '03630012052036', 2);

INSERT INTO datapi.gebieden_wijken VALUES
	('03630012052036', 1, '2010-01-01', '2015-01-01', 'De Pijp', '03630011872037'),
	('03630012052036', 2, '2015-01-01', NULL, 'De Pijp', '03630011872037');

INSERT INTO datapi.gebieden_stadsdelen VALUES
	('03630011872037', 1, '2010-01-01', NULL, 'Zuid', 'A');

INSERT INTO datapi.sport_hallen VALUES
	('H1', 'Sporthallen Zuid');
`

type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	kafkaContainer    testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	db  *csql.DB
	reg registry.Registry

	// two instances on the same database and reload topic
	backendA *backend.Backend
	backendB *backend.Backend
	routerA  *mux.Router
	routerB  *mux.Router

	admin  client.Client // admin against instance A
	reader client.Client // anonymous against instance B
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "test-datapi-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgis/postgis:15-3.4",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		// the image restarts once while initializing, wait for the second start
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(2 * time.Minute),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(reloadTopic, 1))

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB), "datapi")
	_, err = s.db.Exec(schemaDDL)
	s.Require().NoError(err)

	s.reg = registry.New(s.db)
	_, err = schemastore.ImportDocuments(ctx, s.reg, [][]byte{[]byte(gebiedenJSON)})
	s.Require().NoError(err)
	source := schemastore.NewRegistrySource(s.reg)

	s.routerA = mux.NewRouter()
	s.backendA = backend.MustNew(ctx, &backend.Builder{
		SchemaSource:         source,
		Fetcher:              rowstore.NewPostgres(s.db),
		Router:               s.routerA,
		DB:                   s.db,
		Notifier:             notify.NewKafka([]string{s.kafkaAddr}, reloadTopic, "itest-a-"+uuid.NewString()),
		AuthorizationEnabled: true,
	})

	s.routerB = mux.NewRouter()
	s.backendB = backend.MustNew(ctx, &backend.Builder{
		SchemaSource:         source,
		Fetcher:              rowstore.NewPostgres(s.db),
		Router:               s.routerB,
		DB:                   s.db,
		Notifier:             notify.NewKafka([]string{s.kafkaAddr}, reloadTopic, "itest-b-"+uuid.NewString()),
		AuthorizationEnabled: true,
	})

	s.admin = client.NewWithRouter(s.routerA).WithAdminAuthorization()
	s.reader = client.NewWithRouter(s.routerB)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.kafkaContainer != nil {
		err := s.kafkaContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}
