// Package handlers provides HTTP request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/graphkb/graphkb/internal/auth"
	usercontext "github.com/graphkb/graphkb/internal/context"
	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/repo"
	"github.com/graphkb/graphkb/internal/schema"
)

// Version identifiers stamped at build time.
var (
	Version = "dev"
	Commit  = ""
)

// Handler provides HTTP handlers for the knowledge base API.
type Handler struct {
	repo   *repo.Repo
	tokens *auth.TokenManager
	logger *slog.Logger
}

// New creates a new Handler.
func New(rp *repo.Repo, tokens *auth.TokenManager, logger *slog.Logger) *Handler {
	return &Handler{repo: rp, tokens: tokens, logger: logger}
}

// HealthCheck handles GET /
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{})
}

// GetVersion handles GET /api/version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "graphkb",
		"version": Version,
		"commit":  Commit,
	})
}

// IssueToken handles POST /api/token: exchanges a name/password pair for a
// signed token.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, h.logger, kberr.New(kberr.Validation, "request body must be a JSON object"))
		return
	}
	if body.Username == "" || body.Password == "" {
		WriteError(w, h.logger, kberr.New(kberr.Validation, "username and password are required"))
		return
	}
	user, err := h.repo.UserByName(r.Context(), body.Username)
	if err != nil {
		// Do not reveal whether the user exists.
		WriteError(w, h.logger, kberr.New(kberr.Authentication, "invalid username or password"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(body.Password)) != nil {
		WriteError(w, h.logger, kberr.New(kberr.Authentication, "invalid username or password"))
		return
	}
	token, err := h.tokens.Sign(user)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kbToken": token})
}

// GetSchema handles GET /api/schema: a description of the class model.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	sc := h.repo.Schema()
	classes := make(map[string]any)
	for _, c := range sc.Classes() {
		parents := make([]string, 0, len(c.Parents()))
		for _, p := range c.Parents() {
			parents = append(parents, p.Name)
		}
		props := make(map[string]any)
		for name, p := range c.QueryProperties() {
			props[name] = map[string]any{
				"type":        string(p.Type),
				"mandatory":   p.Mandatory,
				"nullable":    p.Nullable,
				"linkedClass": p.LinkedClass,
				"description": p.Description,
			}
		}
		classes[c.Name] = map[string]any{
			"inherits":    parents,
			"isAbstract":  c.IsAbstract,
			"isEdge":      c.IsEdge,
			"isEmbedded":  c.IsEmbedded,
			"route":       "/" + c.RouteName(),
			"properties":  props,
			"description": c.Description,
		}
	}
	writeResult(w, classes)
}

// GetStats handles GET /api/stats?activeOnly&groupBySource
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	user := usercontext.UserFrom(r.Context())
	opts := repo.CountOptions{ActiveOnly: true}
	if v := r.URL.Query().Get("activeOnly"); v != "" {
		b, err := schema.CastBoolean(v)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		opts.ActiveOnly = b == true
	}
	if v := r.URL.Query().Get("groupBySource"); v != "" {
		b, err := schema.CastBoolean(v)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		opts.GroupBySource = b == true
	}
	if v := r.URL.Query().Get("classes"); v != "" {
		opts.Classes = splitCSV(v)
	}
	counts, err := h.repo.SelectCounts(r.Context(), user, opts)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	writeResult(w, counts)
}

// GetRecords handles GET /api/records?rid=a,b,c&neighbors=N
func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	user := usercontext.UserFrom(r.Context())
	raw := r.URL.Query().Get("rid")
	if raw == "" {
		WriteError(w, h.logger, kberr.New(kberr.Validation, "the rid parameter is required"))
		return
	}
	ids := splitCSV(raw)
	rids := make([]model.RID, len(ids))
	target := make([]any, len(ids))
	for i, id := range ids {
		rid, err := model.ParseRID(id)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		rids[i] = rid
		target[i] = rid.String()
	}
	doc := map[string]any{"target": target}
	if v := r.URL.Query().Get("neighbors"); v != "" {
		doc["neighbors"] = v
	}
	records, err := h.repo.Query(r.Context(), user, doc)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	// Every requested identifier must resolve, in order.
	byRID := make(map[string]model.Record, len(records))
	for _, record := range records {
		byRID[record.RID().String()] = record
	}
	ordered := make([]any, 0, len(rids))
	for _, rid := range rids {
		record, ok := byRID[rid.String()]
		if !ok {
			WriteError(w, h.logger, kberr.Newf(kberr.NoRecordFound, "no record %s", rid).
				WithPayload(map[string]any{"rid": rid.String()}))
			return
		}
		ordered = append(ordered, repo.Decycle(record))
	}
	writeResult(w, ordered)
}

// SearchStatements handles GET /api/statements/search?keyword=
func (h *Handler) SearchStatements(w http.ResponseWriter, r *http.Request) {
	user := usercontext.UserFrom(r.Context())
	keyword := r.URL.Query().Get("keyword")
	if strings.TrimSpace(keyword) == "" {
		WriteError(w, h.logger, kberr.New(kberr.Validation, "the keyword parameter is required"))
		return
	}
	skip := 0
	if v := r.URL.Query().Get("skip"); v != "" {
		n, err := schema.CastInteger(v)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		skip = int(n.(int64))
	}
	var limit *int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := schema.CastInteger(v)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		l := int(n.(int64))
		limit = &l
	}
	records, err := h.repo.SearchKeyword(r.Context(), user, keyword, skip, limit)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	writeRecords(w, records)
}

// --- helpers ---

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeResult wraps the payload in the response envelope.
func writeResult(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"result": data})
}

// writeRecords decycles and wraps a record list.
func writeRecords(w http.ResponseWriter, records []model.Record) {
	out := make([]any, len(records))
	for i, record := range records {
		out[i] = repo.Decycle(record)
	}
	writeResult(w, out)
}

// WriteError maps an error onto the response taxonomy. Infrastructure
// failures are logged in full and reported with a generic message.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := kberr.StatusCode(err)
	name := "Error"
	message := err.Error()
	var e *kberr.Error
	if errors.As(err, &e) {
		name = e.Kind.String()
		message = e.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		message = "internal error"
	}
	body := map[string]any{"name": name, "message": message}
	if e != nil && len(e.Payload) > 0 && status < http.StatusInternalServerError {
		body["payload"] = e.Payload
	}
	writeJSON(w, status, body)
}
