package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/config"
)

// Store is the appointment repository selected by STORE_DRIVER together
// with the connection behind it.
type Store struct {
	Driver string
	Repo   appointment.Repository
	// Memory is set for the memory driver so callers can load fixtures.
	Memory *appointment.MemoryRepository
	Pg     *pgxpool.Pool
	Mongo  *mongo.Client
}

func OpenStore(ctx context.Context, cfg config.Config, appName string, log *zap.Logger) (*Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := ConnectPostgres(ctx, cfg.PostgresDSN, appName)
		if err != nil {
			return nil, err
		}
		return &Store{Driver: cfg.StoreDriver, Repo: appointment.NewPgRepository(pool), Pg: pool}, nil

	case config.StoreMongo:
		client, err := ConnectMongo(ctx, cfg.MongoURI, appName)
		if err != nil {
			return nil, err
		}
		repo, err := appointment.NewMongoRepository(ctx, client.Database(cfg.MongoDB), log)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("init mongo repository: %w", err)
		}
		return &Store{Driver: cfg.StoreDriver, Repo: repo, Mongo: client}, nil

	case config.StoreMemory:
		mem := appointment.NewMemoryRepository()
		return &Store{Driver: cfg.StoreDriver, Repo: mem, Memory: mem}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Ping reports whether the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	switch {
	case s.Pg != nil:
		return s.Pg.Ping(ctx)
	case s.Mongo != nil:
		return s.Mongo.Ping(ctx, readpref.Primary())
	}
	return nil
}

func (s *Store) Close() {
	if s.Pg != nil {
		s.Pg.Close()
	}
	if s.Mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Mongo.Disconnect(ctx)
	}
}
