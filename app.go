package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"evelogi/internal/auth"
	"evelogi/internal/config"
	"evelogi/internal/db"
	"evelogi/internal/esi"
	"evelogi/internal/logger"
	"evelogi/internal/volume"
)

// app holds the long-lived components shared by the commands.
type app struct {
	cfg      *config.Config
	db       *db.DB
	esi      *esi.Client
	redis    *esi.RedisBookStore
	books    *esi.OrderCache
	volumes  *volume.Cache
	store    *auth.Store
	sso      *auth.SSO
	identity *auth.Identity
}

func newApp(cfg *config.Config) (*app, error) {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: database}

	a.esi = esi.NewClient(esi.OptionsFromConfig(cfg.ESI))

	var l2 esi.BookStore
	if cfg.Redis.Addr != "" {
		a.redis = esi.NewRedisBookStore(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		l2 = a.redis
		logger.Info("ESI", fmt.Sprintf("Sharing reference books through redis at %s", cfg.Redis.Addr))
	}
	a.books = esi.NewOrderCache(a.esi, cfg.Cache.OrderBookTTL, l2)
	a.volumes = volume.NewCache(database, a.esi, volume.Options{
		RefreshDays: cfg.Cache.VolumeRefreshDays,
		Workers:     cfg.Volume.Workers,
	})

	a.store = auth.NewStore(database.SqlDB())
	a.sso = auth.NewSSO(cfg.SSO)
	a.identity = auth.NewIdentity(a.store, a.sso, database, a.esi)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}
