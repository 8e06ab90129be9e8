package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/ssm"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v2"
)

// ssmPrefix selects loading the configuration from AWS Parameter Store
// instead of a local file, e.g. -config ssm:///coursevault/config.
const ssmPrefix = "ssm://"

// Store kinds selectable via store.kind.
const (
	StoreKindMongoDB  = "mongodb"
	StoreKindDynamoDB = "dynamodb"
	StoreKindMemory   = "memory"
)

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort int `yaml:"http_port" json:"http_port"`
	} `yaml:"server" json:"server"`
	Store struct {
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"store" json:"store"`
	AWS struct {
		Region   string `yaml:"region" json:"region"`
		DynamoDB struct {
			CoursesTable  string `yaml:"courses_table" json:"courses_table"`
			MetadataTable string `yaml:"metadata_table" json:"metadata_table"`
		} `yaml:"dynamodb" json:"dynamodb"`
		S3 struct {
			BucketName    string `yaml:"bucket_name" json:"bucket_name"`
			PublicBaseURL string `yaml:"public_base_url" json:"public_base_url"`
		} `yaml:"s3" json:"s3"`
		ElastiCache struct {
			Address string `yaml:"address" json:"address"`
			TTL     int    `yaml:"ttl" json:"ttl"`
		} `yaml:"elasticache" json:"elasticache"`
	} `yaml:"aws" json:"aws"`
	MongoDB struct {
		URI               string `yaml:"uri" json:"uri"`
		Database          string `yaml:"database" json:"database"`
		PasswordSecretArn string `yaml:"password_secret_arn" json:"password_secret_arn"`
		TLSCAFile         string `yaml:"tls_ca_file" json:"tls_ca_file"`
		ConnectTimeoutMS  int    `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	} `yaml:"mongodb" json:"mongodb"`
	Media struct {
		Folder         string   `yaml:"folder" json:"folder"`
		ImageOptional  bool     `yaml:"image_optional" json:"image_optional"`
		MaxBytes       int64    `yaml:"max_bytes" json:"max_bytes"`
		AllowedFormats []string `yaml:"allowed_formats" json:"allowed_formats"`
		MaxWidth       int      `yaml:"max_width" json:"max_width"`
		MaxHeight      int      `yaml:"max_height" json:"max_height"`
		Quality        string   `yaml:"quality" json:"quality"`
		OpTimeoutMS    int      `yaml:"op_timeout_ms" json:"op_timeout_ms"`
	} `yaml:"media" json:"media"`
	Orphans struct {
		SweepIntervalMinutes int `yaml:"sweep_interval_minutes" json:"sweep_interval_minutes"`
	} `yaml:"orphans" json:"orphans"`
}

// LoadConfig loads the configuration from a YAML file, or from AWS
// Parameter Store when the path carries the ssm:// prefix. Environment
// variables prefixed COURSEVAULT_ override file values, and missing
// required settings fail here rather than on the first request.
func LoadConfig(path string) (*Config, error) {
	var config *Config
	var err error

	if strings.HasPrefix(path, ssmPrefix) {
		config, err = loadConfigFromParameterStore(strings.TrimPrefix(path, ssmPrefix))
	} else {
		config, err = loadConfigFromFile(path)
	}
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(config)
	applyDefaults(config)

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// loadConfigFromFile loads the configuration from a YAML file
func loadConfigFromFile(path string) (*Config, error) {
	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the file
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	// Parse the YAML
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	return &config, nil
}

// loadConfigFromParameterStore loads the configuration from AWS Parameter
// Store, where it is kept as a single JSON document
func loadConfigFromParameterStore(paramPath string) (*Config, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %v", err)
	}

	ssmClient := ssm.New(sess)

	param, err := ssmClient.GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(paramPath),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter from Parameter Store: %v", err)
	}

	var config Config
	if err := json.Unmarshal([]byte(*param.Parameter.Value), &config); err != nil {
		return nil, fmt.Errorf("failed to parse parameter value as JSON: %v", err)
	}

	return &config, nil
}

// applyEnvOverrides lets deployment environments override individual
// settings without rewriting the config document
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("COURSEVAULT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("COURSEVAULT_STORE_KIND"); v != "" {
		config.Store.Kind = v
	}
	if v := os.Getenv("COURSEVAULT_AWS_REGION"); v != "" {
		config.AWS.Region = v
	}
	if v := os.Getenv("COURSEVAULT_S3_BUCKET"); v != "" {
		config.AWS.S3.BucketName = v
	}
	if v := os.Getenv("COURSEVAULT_S3_PUBLIC_BASE_URL"); v != "" {
		config.AWS.S3.PublicBaseURL = v
	}
	if v := os.Getenv("COURSEVAULT_MONGODB_URI"); v != "" {
		config.MongoDB.URI = v
	}
	if v := os.Getenv("COURSEVAULT_MONGODB_DATABASE"); v != "" {
		config.MongoDB.Database = v
	}
	if v := os.Getenv("COURSEVAULT_ELASTICACHE_ADDRESS"); v != "" {
		config.AWS.ElastiCache.Address = v
	}
}

// applyDefaults sets default values for the configuration
func applyDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Store.Kind == "" {
		config.Store.Kind = StoreKindMongoDB
	}
	if config.AWS.Region == "" {
		config.AWS.Region = "us-west-2"
	}
	if config.AWS.DynamoDB.CoursesTable == "" {
		config.AWS.DynamoDB.CoursesTable = "coursevault-courses"
	}
	if config.AWS.DynamoDB.MetadataTable == "" {
		config.AWS.DynamoDB.MetadataTable = "coursevault-metadata"
	}
	if config.AWS.ElastiCache.TTL == 0 {
		config.AWS.ElastiCache.TTL = 3600
	}
	if config.MongoDB.Database == "" {
		config.MongoDB.Database = "coursevault"
	}
	if config.MongoDB.ConnectTimeoutMS == 0 {
		config.MongoDB.ConnectTimeoutMS = 10000
	}
	if config.Media.Folder == "" {
		config.Media.Folder = "courses"
	}
	if config.Media.MaxBytes == 0 {
		config.Media.MaxBytes = 5 << 20
	}
	if len(config.Media.AllowedFormats) == 0 {
		config.Media.AllowedFormats = []string{"jpg", "png", "gif", "webp"}
	}
	if config.Media.MaxWidth == 0 {
		config.Media.MaxWidth = 1280
	}
	if config.Media.MaxHeight == 0 {
		config.Media.MaxHeight = 720
	}
	if config.Media.Quality == "" {
		config.Media.Quality = "auto"
	}
	if config.Media.OpTimeoutMS == 0 {
		config.Media.OpTimeoutMS = 30000
	}
	// Do not set a default for the S3 bucket name or public base URL, as
	// they are account-specific. They must be provided in the configuration.
}

// validateConfig rejects configurations that would only fail at request
// time
func validateConfig(config *Config) error {
	if config.AWS.S3.BucketName == "" {
		return fmt.Errorf("aws.s3.bucket_name is required")
	}
	// Catch unexpanded infrastructure template placeholders
	if strings.Contains(config.AWS.S3.BucketName, "[") || strings.Contains(config.AWS.S3.BucketName, "]") {
		return fmt.Errorf("aws.s3.bucket_name contains placeholders: %s", config.AWS.S3.BucketName)
	}
	if config.AWS.S3.PublicBaseURL == "" {
		return fmt.Errorf("aws.s3.public_base_url is required")
	}

	switch config.Store.Kind {
	case StoreKindMongoDB:
		if config.MongoDB.URI == "" {
			return fmt.Errorf("mongodb.uri is required for store.kind %q", config.Store.Kind)
		}
	case StoreKindDynamoDB, StoreKindMemory:
	default:
		return fmt.Errorf("unknown store.kind: %q", config.Store.Kind)
	}

	return nil
}

// MediaPolicy builds the upload policy enforced before any media reaches
// S3
func (c *Config) MediaPolicy() UploadPolicy {
	return UploadPolicy{
		MaxBytes:       c.Media.MaxBytes,
		AllowedFormats: c.Media.AllowedFormats,
		MaxWidth:       c.Media.MaxWidth,
		MaxHeight:      c.Media.MaxHeight,
		Quality:        c.Media.Quality,
	}
}

// MediaOpTimeout bounds each blob or persistence step of a mutation
func (c *Config) MediaOpTimeout() time.Duration {
	return time.Duration(c.Media.OpTimeoutMS) * time.Millisecond
}

// MongoConnectTimeout bounds one connect attempt against MongoDB
func (c *Config) MongoConnectTimeout() time.Duration {
	return time.Duration(c.MongoDB.ConnectTimeoutMS) * time.Millisecond
}

// buildMongoClientOptions assembles the MongoDB client options: the
// connection URI from the config, the password from Secrets Manager when an
// ARN is configured, and the CA bundle for TLS endpoints such as
// DocumentDB.
func buildMongoClientOptions(config *Config) (*options.ClientOptions, error) {
	clientOptions := options.Client().ApplyURI(config.MongoDB.URI)
	clientOptions.SetConnectTimeout(config.MongoConnectTimeout())

	if arn := config.MongoDB.PasswordSecretArn; arn != "" {
		password, err := getPasswordFromSecretsManager(config.AWS.Region, arn)
		if err != nil {
			return nil, fmt.Errorf("failed to get password from Secrets Manager: %v", err)
		}

		credential := options.Credential{
			AuthMechanism: "SCRAM-SHA-1",
			AuthSource:    "admin",
			Username:      usernameFromURI(config.MongoDB.URI),
			Password:      password,
		}
		clientOptions.SetAuth(credential)
	}

	if config.MongoDB.TLSCAFile != "" {
		tlsConfig, err := createTLSConfig(config.MongoDB.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %v", err)
		}
		clientOptions.SetTLSConfig(tlsConfig)
	}

	return clientOptions, nil
}

// getPasswordFromSecretsManager retrieves the store password from AWS
// Secrets Manager
func getPasswordFromSecretsManager(region, secretArn string) (string, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create AWS session: %v", err)
	}

	svc := secretsmanager.New(sess)

	result, err := svc.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretArn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value: %v", err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret value is nil")
	}

	return *result.SecretString, nil
}

// usernameFromURI extracts the username of a mongodb:// URI whose password
// is supplied out of band. A password embedded anyway is dropped, not used.
func usernameFromURI(uri string) string {
	username := "coursevault"
	if strings.Contains(uri, "://") && strings.Contains(uri, "@") {
		parts := strings.Split(uri, "://")
		if len(parts) > 1 {
			userPart := strings.Split(parts[1], "@")[0]
			if colon := strings.Index(userPart, ":"); colon >= 0 {
				userPart = userPart[:colon]
			}
			if userPart != "" {
				username = userPart
			}
		}
	}
	return username
}

// createTLSConfig loads the CA bundle the persistent store presents, e.g.
// the DocumentDB global bundle
func createTLSConfig(caFile string) (*tls.Config, error) {
	// Escape hatch for local integration testing only
	if skipVerify := os.Getenv("SKIP_TLS_VERIFY"); skipVerify == "true" {
		log.Warn("Skipping TLS certificate verification - NOT for production use!")
		return &tls.Config{
			InsecureSkipVerify: true,
		}, nil
	}

	caCert, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %v", caFile, err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
