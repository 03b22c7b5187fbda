package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	usercontext "github.com/graphkb/graphkb/internal/context"
	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
	"github.com/graphkb/graphkb/internal/repo"
	"github.com/graphkb/graphkb/internal/schema"
)

// pathRID parses the rid path segment. Identifiers arrive with or without
// the leading '#', possibly URL-encoded.
func pathRID(r *http.Request) (model.RID, error) {
	raw := chi.URLParam(r, "rid")
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	return model.ParseRID(raw)
}

func decodeBody(r *http.Request) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, kberr.New(kberr.Validation, "request body must be a JSON object")
	}
	return body, nil
}

// GetRecord handles GET /api/<route>/{rid}
func (h *Handler) GetRecord(c *schema.ClassModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := usercontext.UserFrom(r.Context())
		rid, err := pathRID(r)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		opts := repo.GetOptions{}
		if v := r.URL.Query().Get("neighbors"); v != "" {
			n, err := schema.CastInteger(v)
			if err != nil {
				WriteError(w, h.logger, err)
				return
			}
			opts.Neighbors = int(n.(int64))
		}
		if v := r.URL.Query().Get("history"); v != "" {
			b, err := schema.CastBoolean(v)
			if err != nil {
				WriteError(w, h.logger, err)
				return
			}
			opts.History = b == true
		}
		record, err := h.repo.Get(r.Context(), user, c, rid, opts)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		writeResult(w, repo.Decycle(record))
	}
}

// CreateRecord handles POST /api/<route>
func (h *Handler) CreateRecord(c *schema.ClassModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := usercontext.UserFrom(r.Context())
		body, err := decodeBody(r)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		content := model.Record(body)
		if c.InheritsFrom("User") {
			if err := hashPassword(content); err != nil {
				WriteError(w, h.logger, err)
				return
			}
		}
		var record model.Record
		if c.IsEdge {
			record, err = h.repo.CreateEdge(r.Context(), user, c, content)
		} else {
			record, err = h.repo.Create(r.Context(), user, c, content)
		}
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"result": repo.Decycle(record)})
	}
}

// UpdateRecord handles PATCH /api/<route>/{rid}
func (h *Handler) UpdateRecord(c *schema.ClassModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := usercontext.UserFrom(r.Context())
		rid, err := pathRID(r)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		body, err := decodeBody(r)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		changes := model.Record(body)
		if c.InheritsFrom("User") {
			if err := hashPassword(changes); err != nil {
				WriteError(w, h.logger, err)
				return
			}
		}
		record, err := h.repo.Update(r.Context(), user, rid, changes)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		writeResult(w, repo.Decycle(record))
	}
}

// DeleteRecord handles DELETE /api/<route>/{rid}
func (h *Handler) DeleteRecord(c *schema.ClassModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := usercontext.UserFrom(r.Context())
		rid, err := pathRID(r)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		record, err := h.repo.Delete(r.Context(), user, rid)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		writeResult(w, repo.Decycle(record))
	}
}

// SearchClass handles POST /api/<route>/search. The body is a query
// document; the target is pinned to the route's class.
func (h *Handler) SearchClass(c *schema.ClassModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := usercontext.UserFrom(r.Context())
		doc, err := decodeBody(r)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		if _, ok := doc["target"]; !ok {
			doc["target"] = c.Name
		}
		records, err := h.repo.Query(r.Context(), user, doc)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		writeRecords(w, records)
	}
}

// hashPassword replaces a plaintext password in the content with its bcrypt
// hash before it reaches the store.
func hashPassword(content model.Record) error {
	raw, ok := content["password"]
	if !ok {
		return nil
	}
	plain, ok := raw.(string)
	if !ok || strings.TrimSpace(plain) == "" {
		return kberr.New(kberr.Validation, "password must be a non-empty string")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return kberr.Wrap(kberr.Validation, err, "failed to hash password")
	}
	content["password"] = string(hash)
	return nil
}
