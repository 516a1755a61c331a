package fakebackend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/vault-mirror/internal/models"
)

type ctxKey struct{}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		s.mu.Lock()
		email, known := s.tokens[token]
		s.mu.Unlock()

		if !known {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, email)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	s.count.Logins++
	want, ok := s.users[req.Email]
	s.mu.Unlock()

	if !ok || want != req.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": s.IssueToken(req.Email)})
}

func (s *Server) handleUploadKey(w http.ResponseWriter, r *http.Request) {
	var key models.VaultKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil || key.VaultID == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid vault key")
		return
	}

	s.mu.Lock()
	s.vault(key.VaultID).key = &key
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"vaultId": key.VaultID})
}

func (s *Server) handleFetchKey(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")

	s.mu.Lock()
	s.count.KeyFetches++

	var key *models.VaultKey
	if v, ok := s.vaults[vaultID]; ok {
		key = v.key
	}
	s.mu.Unlock()

	if key == nil {
		writeError(w, http.StatusNotFound, "no vault key")
		return
	}

	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")

	var key models.VaultKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid vault key")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count.KeyUpdates++

	v, ok := s.vaults[vaultID]
	if !ok || v.key == nil {
		writeError(w, http.StatusNotFound, "no vault key")
		return
	}

	// The vault name is wrapped under a different password and survives
	// a key re-wrap.
	key.VaultID = vaultID
	key.EncryptedVaultName = v.key.EncryptedVaultName
	key.VaultNameNonce = v.key.VaultNameNonce
	key.VaultNameSalt = v.key.VaultNameSalt
	v.key = &key

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteVault(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")

	s.mu.Lock()
	_, ok := s.vaults[vaultID]
	delete(s.vaults, vaultID)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "no such vault")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameVault(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")

	var name models.VaultRename
	if err := json.NewDecoder(r.Body).Decode(&name); err != nil || name.EncryptedVaultName == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid vault name")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[vaultID]
	if !ok || v.key == nil {
		writeError(w, http.StatusNotFound, "no such vault")
		return
	}

	v.key.EncryptedVaultName = name.EncryptedVaultName
	v.key.VaultNameNonce = name.VaultNameNonce
	v.key.VaultNameSalt = name.VaultNameSalt

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VaultID string                `json:"vaultId"`
		Changes []models.ColumnChange `json:"changes"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VaultID == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid push")
		return
	}

	s.mu.Lock()
	s.count.Pushes++
	fail := s.FailPush
	s.mu.Unlock()

	if fail {
		writeError(w, http.StatusServiceUnavailable, "push disabled")
		return
	}

	for _, c := range req.Changes {
		if c.HLC == "" || c.TableName == "" || c.ColumnName == "" {
			writeError(w, http.StatusUnprocessableEntity, "change missing required fields")
			return
		}
	}

	s.store(req.VaultID, req.Changes)
	s.broadcast(req.VaultID, req.Changes)

	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(req.Changes)})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	vaultID := q.Get("vaultId")

	limit, _ := strconv.Atoi(q.Get("limit"))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count.Pulls++

	ceiling := s.PageSize
	if ceiling <= 0 {
		ceiling = defaultPageSize
	}

	if limit <= 0 || limit > ceiling {
		limit = ceiling
	}

	var changes []models.ColumnChange
	if v, ok := s.vaults[vaultID]; ok {
		changes = v.changes
	}

	items, more := page(changes, q.Get("since"), limit)

	resp := map[string]any{
		"changes": append([]models.ColumnChange{}, items...),
		"hasMore": more,
	}

	if len(items) > 0 {
		resp["nextCursor"] = items[len(items)-1].HLC
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	want := make(map[int]bool)

	for _, n := range parseSeqs(r.URL.Query().Get("seqs")) {
		want[n] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count.BatchFetches++

	if s.FailBatchFetch {
		writeError(w, http.StatusInternalServerError, "batch fetch disabled")
		return
	}

	out := []models.ColumnChange{}

	for _, v := range s.vaults {
		for _, c := range v.batches[batchID] {
			if len(want) == 0 || want[c.BatchSeq] {
				out = append(out, c)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"changes": out})
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	vaultID := r.URL.Query().Get("vaultId")
	if vaultID == "" {
		writeError(w, http.StatusBadRequest, "vaultId required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sub := &subscriber{vaultID: vaultID, conn: conn}

	// Registered before confirming, so a change pushed right after the
	// client sees "subscribed" is delivered.
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	err = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"subscribed","id":"`+uuid.NewString()+`"}`))
	cancel()

	if err != nil {
		return
	}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		if gjson.GetBytes(data, "event").String() == "ping" {
			ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"pong"}`))
			cancel()
		}
	}
}
