package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/prophecy/internal/api/middleware"
	"github.com/kiranshivaraju/prophecy/internal/api/response"
	"github.com/kiranshivaraju/prophecy/internal/store"
	"github.com/kiranshivaraju/prophecy/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "ph_"

var validScopes = []string{"read", "write", "admin"}

// KeyCreator persists API keys.
type KeyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// GenerateKey returns a new raw API key.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return rawKeyPrefix + hex.EncodeToString(buf), nil
}

// NewAPIKey builds an APIKey record for raw.
func NewAPIKey(owner uuid.UUID, name, raw string, scopes []string) (*models.APIKey, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   owner,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key is returned once and never stored.
func NewCreateKeyHandler(s KeyCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := mw.GetCaller(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			OwnerID string   `json:"owner_id"`
			Name    string   `json:"name"`
			Scopes  []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}

		owner := caller.Owner
		if req.OwnerID != "" {
			id, err := uuid.Parse(req.OwnerID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id must be a UUID", nil)
				return
			}
			owner = id
		}

		if len(req.Scopes) == 0 {
			req.Scopes = []string{"read", "write"}
		}
		for _, sc := range req.Scopes {
			if !slices.Contains(validScopes, sc) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"scopes must be drawn from read, write, admin", map[string]string{"scope": sc})
				return
			}
		}

		raw, err := GenerateKey()
		if err != nil {
			slog.Error("generate api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		key, err := NewAPIKey(owner, req.Name, raw, req.Scopes)
		if err != nil {
			slog.Error("hash api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "A key with this name already exists", nil)
				return
			}
			slog.Error("create api key", "error", err, "owner_id", owner)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}
