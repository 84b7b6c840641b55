package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-redis/redis"
)

// TokenStore keeps issued refresh tokens so /refresh only honors tokens
// this instance actually handed out.
type TokenStore interface {
	Save(username, token string, ttl time.Duration) error
	Check(username, token string) bool
}

type redisTokenStore struct {
	conn *redis.Client
}

func NewRedisTokenStore(conn *redis.Client) TokenStore {
	return &redisTokenStore{conn: conn}
}

func (s *redisTokenStore) Save(username, token string, ttl time.Duration) error {
	key := fmt.Sprintf("user:%s", username)
	return s.conn.Set(key, token, ttl).Err()
}

func (s *redisTokenStore) Check(username, token string) bool {
	key := fmt.Sprintf("user:%s", username)

	value, err := s.conn.Get(key).Result()
	if err != nil {
		return false
	}
	return token == value
}

// memTokenStore keeps refresh tokens in process memory. It backs the
// DB-less mode, where requiring a redis server would defeat the point,
// and the handler tests. Tokens expire with the process; TTLs are not
// enforced, matching the single-admin scope.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewMemTokenStore() TokenStore {
	return &memTokenStore{tokens: make(map[string]string)}
}

func (s *memTokenStore) Save(username, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[username] = token
	return nil
}

func (s *memTokenStore) Check(username, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[username] == token
}

type loginRequest struct {
	Username string `json:"username"`
	Pass     string `json:"pass"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) signToken(username, secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{}
	claims["username"] = username
	claims["iat"] = time.Now().Unix()
	claims["exp"] = time.Now().Add(ttl).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (s *Server) generateAndSendTokens(username string, w http.ResponseWriter) {
	accessToken, err := s.signToken(username, s.accessSecret, s.accessTtl)
	if err != nil {
		log.Printf("Sign access token error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	refreshToken, err := s.signToken(username, s.refreshSecret, s.refreshTtl)
	if err != nil {
		log.Printf("Sign refresh token error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := s.tokens.Save(username, refreshToken, s.refreshTtl); err != nil {
		log.Printf("Save refresh token error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: accessToken, RefreshToken: refreshToken})
}

func extractToken(r *http.Request) (token string, err error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		err = fmt.Errorf("authorization header not found")
		return
	}
	parsedHeader := strings.Split(header, " ")
	if len(parsedHeader) != 2 || parsedHeader[0] != "Bearer" {
		err = fmt.Errorf("invalid authorization header")
		return
	}

	token = parsedHeader[1]
	return
}

func (s *Server) parseToken(token string, isAccess bool) (string, error) {
	JWTToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if isAccess {
			return []byte(s.accessSecret), nil
		}
		return []byte(s.refreshSecret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := JWTToken.Claims.(jwt.MapClaims)
	if !ok || !JWTToken.Valid {
		return "", fmt.Errorf("invalid token")
	}

	username, ok := claims["username"].(string)
	if !ok {
		return "", fmt.Errorf("field username not found")
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return "", fmt.Errorf("field exp not found")
	}
	if time.Now().After(time.Unix(int64(exp), 0)) {
		return "", fmt.Errorf("token expired")
	}

	return username, nil
}

// login checks the shared admin credential and issues a token pair.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if req.Username == "" || req.Pass == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if req.Username != s.adminUsername || req.Pass != s.adminPassword {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	s.generateAndSendTokens(req.Username, w)
}

// refresh exchanges a registered refresh token for a fresh token pair.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	username, err := s.parseToken(req.RefreshToken, false)
	if err != nil {
		log.Printf("Parse refresh token error: %v", err)
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	if !s.tokens.Check(username, req.RefreshToken) {
		log.Printf("Refresh token for %q not registered", username)
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	s.generateAndSendTokens(username, w)
}
