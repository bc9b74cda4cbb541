package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/backend"
	"github.com/datastelsel/datapi/core/csql"
	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/notify"
	"github.com/datastelsel/datapi/core/registry"
	"github.com/datastelsel/datapi/core/rowstore"
	"github.com/datastelsel/datapi/core/schemastore"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres       string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,optional,default=datapi" description:"the database schema holding the dataset tables and the registry"`
	Port           string `env:"PORT,optional,default=3000" description:"the port the server listens on"`
	LogLevel       string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`

	SchemaDir string `env:"SCHEMA_DIR,optional" description:"directory with dataset documents; takes precedence over the S3 settings"`

	SchemaS3Bucket    string `env:"SCHEMA_S3_BUCKET,optional" description:"S3 bucket with dataset documents"`
	SchemaS3Region    string `env:"SCHEMA_S3_REGION,optional" description:"region of the schema bucket"`
	SchemaS3KeyPrefix string `env:"SCHEMA_S3_KEY_PREFIX,optional" description:"key prefix of the dataset documents in the bucket"`
	SchemaS3AccessID  string `env:"SCHEMA_S3_ACCESS_ID,optional" description:"access key id for the schema bucket; empty uses the ambient AWS credentials"`
	SchemaS3AccessKey string `env:"SCHEMA_S3_ACCESS_KEY,optional" description:"secret access key for the schema bucket"`

	Persist bool `env:"PERSIST,optional,default=false" description:"import the documents into the registry once at startup and serve from there"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers for catalog reload events; empty disables the bus"`
	KafkaTopic   string `env:"KAFKA_TOPIC,optional,default=datapi-catalog" description:"kafka topic for catalog reload events"`

	JwtPublicKeyURL string `env:"JWT_PUBLIC_KEY_URL,optional" description:"download url for the JWT verification keys; empty serves without authorization"`
	JwtIssuer       string `env:"JWT_ISSUER,optional" description:"accepted JWT issuer; empty accepts any"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)

	ctx := context.Background()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
	defer db.Close()
	reg := registry.New(db)

	var source schemastore.Source
	switch {
	case service.SchemaDir != "":
		source = schemastore.NewLocal(service.SchemaDir)
	case service.SchemaS3Bucket != "":
		s3, err := schemastore.NewS3(schemastore.S3Configuration{
			AccessID:      service.SchemaS3AccessID,
			AccessKey:     service.SchemaS3AccessKey,
			AWSBucketName: service.SchemaS3Bucket,
			AWSRegion:     service.SchemaS3Region,
			KeyPrefix:     service.SchemaS3KeyPrefix,
		})
		if err != nil {
			panic(err)
		}
		source = s3
	default:
		// serve what was imported into the registry before
		source = schemastore.NewRegistrySource(reg)
	}

	if service.Persist {
		if _, alreadyRegistry := source.(schemastore.RegistrySource); alreadyRegistry {
			panic("PERSIST requires SCHEMA_DIR or the S3 settings")
		}
		docs, err := source.ListDatasetDocuments(ctx)
		if err != nil {
			panic(err)
		}
		ids, err := schemastore.ImportDocuments(ctx, reg, docs)
		if err != nil {
			panic(err)
		}
		logger.Default().Infoln("imported dataset documents into the registry:", strings.Join(ids, ", "))
		source = schemastore.NewRegistrySource(reg)
	}

	var notifier notify.Bus
	if service.KafkaBrokers != "" {
		// every instance subscribes with its own group, so all of them
		// see every reload event
		notifier = notify.NewKafka(strings.Split(service.KafkaBrokers, ","),
			service.KafkaTopic, "datapi-"+uuid.NewString())
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	if service.JwtPublicKeyURL != "" {
		router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
			PublicKeyDownloadURL: service.JwtPublicKeyURL,
			Issuer:               service.JwtIssuer,
			DB:                   db,
		}))
	}

	backend.MustNew(ctx, &backend.Builder{
		SchemaSource:         source,
		Fetcher:              rowstore.NewPostgres(db),
		Router:               router,
		DB:                   db,
		Notifier:             notifier,
		AuthorizationEnabled: service.JwtPublicKeyURL != "",
		MetricsEnabled:       true,
	})

	logger.Default().Infoln("listen on port :" + service.Port)
	logger.Default().Fatalln(http.ListenAndServe(":"+service.Port, router))
}
