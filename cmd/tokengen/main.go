// Command tokengen issues and revokes signed bearer tokens for local
// testing and operations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/adapters/auth"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/domain"
)

func main() {
	user := flag.String("user", "", "user id to issue a token for")
	role := flag.String("role", string(domain.RoleExaminee), "examinee, supervisor or admin")
	revoke := flag.String("revoke", "", "jti to revoke instead of issuing")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if *revoke != "" {
		if cfg.Auth.RedisAddr == "" {
			log.Fatal().Msg("auth.redis_addr is not set, nothing to revoke against")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
		defer rdb.Close()
		revs := auth.NewRedisRevocations(rdb, cfg.Auth.RevocationPrefix)
		if err := revs.Revoke(context.Background(), *revoke, cfg.Auth.TokenTTL); err != nil {
			log.Fatal().Err(err).Str("jti", *revoke).Msg("revoke failed")
		}
		fmt.Printf("revoked %s\n", *revoke)
		return
	}

	id, err := domain.NewIdentity(*user, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	gate := auth.NewJWTGate(auth.Options{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	}, nil)
	token, jti, err := gate.GenerateToken(id)
	if err != nil {
		log.Fatal().Err(err).Msg("sign failed")
	}
	fmt.Printf("jti:   %s\ntoken: %s\n", jti, token)
}
