package main

import (
	"banking-api/util"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

type Server struct {
	ledger *Ledger
	tokens TokenStore

	adminUsername string
	adminPassword string
	accessSecret  string
	refreshSecret string
	accessTtl     time.Duration
	refreshTtl    time.Duration
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/login", s.login).Methods("POST")
	r.HandleFunc("/refresh", s.refresh).Methods("POST")

	appRouter := r.NewRoute().Subrouter()
	appRouter.Use(s.authorizationCheckMiddleware)
	appRouter.HandleFunc("/balance", s.getBalance).Methods("GET")
	appRouter.HandleFunc("/transactions", s.getTransactions).Methods("GET")
	appRouter.HandleFunc("/event", s.handleEvent).Methods("POST")
	appRouter.HandleFunc("/reset", s.reset).Methods("POST")

	return r
}

// openStore picks the Postgres store when DB_SOURCE is set, retrying the
// connection while the database container comes up, and falls back to the
// in-memory store otherwise.
func openStore(config util.Config) (Store, error) {
	if config.DBSource == "" {
		log.Printf("DB_SOURCE empty, using in-memory store")
		return NewMemStore(), nil
	}

	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		repo, err := NewRepo(context.Background(), config.DBSource)
		if err == nil {
			return repo, nil
		}
		lastErr = err
		log.Printf("Postgres connect failed (attempt %d/5): %v", attempt, err)
		time.Sleep(5 * time.Second)
	}
	return nil, lastErr
}

// openTokenStore mirrors openStore: redis-backed refresh tokens when the
// service runs against real infrastructure, in-memory when DB_SOURCE is
// empty so the DB-less mode needs no servers at all.
func openTokenStore(config util.Config) (TokenStore, error) {
	if config.DBSource == "" {
		log.Printf("DB_SOURCE empty, using in-memory token store")
		return NewMemTokenStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddress,
		Password: "",
		DB:       0,
	})

	if _, err := client.Ping().Result(); err != nil {
		return nil, err
	}
	return NewRedisTokenStore(client), nil
}

func main() {
	config, err := util.LoadConfig(".")
	if err != nil {
		log.Fatalf("Loading config error: %v", err)
	}

	store, err := openStore(config)
	if err != nil {
		log.Fatalf("Postgres error: %v", err)
	}

	tokens, err := openTokenStore(config)
	if err != nil {
		log.Fatalf("Token store error: %v", err)
	}

	server := &Server{
		ledger:        NewLedger(store),
		tokens:        tokens,
		adminUsername: config.AdminUsername,
		adminPassword: config.AdminPassword,
		accessSecret:  config.AccessSecret,
		refreshSecret: config.RefreshSecret,
		accessTtl:     24 * time.Hour,
		refreshTtl:    24 * time.Hour,
	}

	handler := cors.AllowAll().Handler(server.router())
	handler = handlers.LoggingHandler(os.Stdout, handler)

	log.Printf("Listening on :%s", config.Port)
	if err := http.ListenAndServe(fmt.Sprintf(":%s", config.Port), handler); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
