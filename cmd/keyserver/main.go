// keyserver is a development prekey bundle server for the securechat client.
// It honors the client's three prekey endpoints with an in-memory store, or
// a Redis-backed one when REDIS_URL is set. Not for production: it performs
// no durable accounting and trusts its bearer tokens entirely.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/jaydenbeard/securechat/internal/e2ee"
	"github.com/jaydenbeard/securechat/internal/metrics"
)

type server struct {
	store     bundleStore
	jwtSecret []byte
	logger    *log.Logger
}

func main() {
	logger := log.New(os.Stdout, "[KEYSERVER] ", log.Ldate|log.Ltime|log.LUTC)

	var store bundleStore
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rs, err := newRedisStore(redisURL)
		if err != nil {
			logger.Fatalf("FATAL: %v", err)
		}
		store = rs
		logger.Printf("using redis bundle store at %s", redisURL)
	} else {
		store = newMemStore()
		logger.Printf("using in-memory bundle store")
	}

	srv := &server{
		store:     store,
		jwtSecret: []byte(os.Getenv("JWT_SECRET")),
		logger:    logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/users/prekeys", srv.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/users/prekeys/status", srv.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{peer_id}/prekey_bundle", srv.handleBundle).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler())

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	logger.Printf("listening on :%s", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		logger.Fatalf("FATAL: %v", err)
	}
}

// userID extracts the caller from the bearer token: an HS256 JWT subject
// when JWT_SECRET is set, the raw token otherwise.
func (s *server) userID(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if len(s.jwtSecret) == 0 {
		if token == "" {
			return "", errors.New("empty bearer token")
		}
		return token, nil
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse bearer token: %w", err)
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	if claims.Subject == "" {
		return "", errors.New("bearer token has no subject")
	}
	return claims.Subject, nil
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var upload e2ee.PreKeyUpload
	if err := json.NewDecoder(r.Body).Decode(&upload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := s.store.SaveUpload(r.Context(), userID, &upload); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Printf("upload from %s: %d one-time prekeys, signed prekey %v",
		userID, len(upload.OneTimePreKeys), upload.SignedPreKey != nil)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	status, err := s.store.Status(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, status)
}

func (s *server) handleBundle(w http.ResponseWriter, r *http.Request) {
	if _, err := s.userID(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	peerID := mux.Vars(r)["peer_id"]
	bundle, err := s.store.PopBundle(r.Context(), peerID)
	if errors.Is(err, errNoBundle) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no bundle for %s", peerID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, bundle)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
