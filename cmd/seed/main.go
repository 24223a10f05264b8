package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/config"
	"github.com/hackgods/clinic-queue-booking/internal/db"
	"github.com/hackgods/clinic-queue-booking/internal/logger"
	"github.com/hackgods/clinic-queue-booking/internal/seed"
)

const (
	doctorCount  = 40
	patientCount = 5000
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, "seed")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("seed starting", zap.String("store", cfg.StoreDriver))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := db.OpenStore(ctx, cfg, "seed", log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	data := seed.Generate(doctorCount, patientCount, seed.UUIDRefs)

	switch {
	case store.Pg != nil:
		err = seedPostgres(ctx, log, store.Pg, data)
	case store.Mongo != nil:
		err = seedMongo(ctx, log, store.Mongo.Database(cfg.MongoDB), data)
	default:
		log.Fatal("seed needs a persistent store; memory is filled at api-server start")
	}
	if err != nil {
		log.Fatal("seed failed", zap.Error(err))
	}

	log.Info("seed complete",
		zap.Int("doctors", len(data.Doctors)),
		zap.Int("patients", len(data.Patients)),
	)
}

func addressJSON(v appointment.AddressVariant) ([]byte, error) {
	switch a := v.(type) {
	case appointment.AddressAsLines:
		return json.Marshal(string(a))
	case appointment.AddressAsObject:
		return json.Marshal(a)
	}
	return []byte("null"), nil
}

func addressBSON(v appointment.AddressVariant) any {
	switch a := v.(type) {
	case appointment.AddressAsLines:
		return string(a)
	case appointment.AddressAsObject:
		return bson.M{"line1": a.Line1, "line2": a.Line2}
	}
	return nil
}

func seedPostgres(ctx context.Context, log *zap.Logger, pool *pgxpool.Pool, data seed.Data) error {
	log.Info("seeding doctors", zap.Int("count", len(data.Doctors)))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, d := range data.Doctors {
		addr, err := addressJSON(d.StoredAddress)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO doctors (id, name, speciality, address, image, fees, available, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		`, d.Ref, d.Name, d.Speciality, addr, d.Image, d.Fees, d.Available)
		if err != nil {
			return fmt.Errorf("insert doctor: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info("seeding patients", zap.Int("count", len(data.Patients)))

	const batchSize = 500

	for offset := 0; offset < len(data.Patients); offset += batchSize {
		end := offset + batchSize
		if end > len(data.Patients) {
			end = len(data.Patients)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for _, p := range data.Patients[offset:end] {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, p.Ref, p.Name, p.Email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("insert patient: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", len(data.Patients)))
	}

	return nil
}

func seedMongo(ctx context.Context, log *zap.Logger, mdb *mongo.Database, data seed.Data) error {
	doctors := make([]any, 0, len(data.Doctors))
	for _, d := range data.Doctors {
		doctors = append(doctors, bson.M{
			"_id":        d.Ref,
			"name":       d.Name,
			"speciality": d.Speciality,
			"address":    addressBSON(d.StoredAddress),
			"image":      d.Image,
			"fees":       d.Fees,
			"available":  d.Available,
		})
	}
	if _, err := mdb.Collection("doctors").InsertMany(ctx, doctors); err != nil {
		return fmt.Errorf("insert doctors: %w", err)
	}
	log.Info("doctors seeded", zap.Int("count", len(doctors)))

	const batchSize = 1000

	for offset := 0; offset < len(data.Patients); offset += batchSize {
		end := offset + batchSize
		if end > len(data.Patients) {
			end = len(data.Patients)
		}

		batch := make([]any, 0, end-offset)
		for _, p := range data.Patients[offset:end] {
			batch = append(batch, bson.M{"_id": p.Ref, "name": p.Name, "email": p.Email})
		}
		if _, err := mdb.Collection("users").InsertMany(ctx, batch); err != nil {
			return fmt.Errorf("insert patients: %w", err)
		}

		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", len(data.Patients)))
	}

	return nil
}
