package metadata

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Open creates a record store based on the DSN.
// - Empty DSN: SQLite at data/imgsearch.db
// - postgres:// or postgresql://: PostgreSQL
// - badger://<dir> or badger://memory: BadgerDB
// - dynamodb://<table>: DynamoDB with the default AWS credential chain
// - memory://: in-memory
// - Anything else: SQLite at the specified path
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewSQLiteStore(defaultSQLitePath)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	case strings.HasPrefix(dsn, "badger://"):
		s, err := NewBadgerStore(strings.TrimPrefix(dsn, "badger://"))
		if err != nil {
			return nil, fmt.Errorf("badger: %w", err)
		}
		return s, nil
	case strings.HasPrefix(dsn, "dynamodb://"):
		table := strings.TrimPrefix(dsn, "dynamodb://")
		if table == "" {
			return nil, fmt.Errorf("dynamodb: table name required")
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: load aws config: %w", err)
		}
		return NewDynamoStore(dynamodb.NewFromConfig(cfg), table), nil
	case strings.HasPrefix(dsn, "memory://"):
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
}
