/*
Markpad is a collaborative markdown workspace service.
Copyright (C) 2025 Markpad Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"markpad/internal/events"
	"markpad/internal/store"
	"markpad/pkg/workspace"
)

// validFilePath rejects traversal and empty segments. Paths are
// workspace-relative with no leading slash.
func validFilePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

func fileView(f *workspace.File) map[string]any {
	return map[string]any{
		"path":      f.Path,
		"content":   f.Content,
		"createdAt": f.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": f.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func appendView(a *workspace.Append) map[string]any {
	v := map[string]any{
		"appendId":  a.AppendID,
		"author":    a.Author,
		"type":      a.Type.String(),
		"content":   a.Content,
		"createdAt": a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.Status != nil {
		v["status"] = *a.Status
	}
	if a.Priority != nil {
		v["priority"] = *a.Priority
	}
	if len(a.Labels) > 0 {
		v["labels"] = a.Labels
	}
	if a.Ref != nil {
		v["ref"] = *a.Ref
	}
	if a.ExpiresAt != nil {
		v["expiresAt"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

// handleWorkspaceOverview returns workspace metadata and the live file
// list for GET /{tier}/{key}.
func (s *Server) handleWorkspaceOverview(w http.ResponseWriter, r *http.Request, tier, key string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionRead, "")
	if record == nil {
		return
	}
	ctx := r.Context()

	wsp, err := s.store.GetWorkspace(ctx, record.WorkspaceID)
	if err != nil {
		s.logf("overview: get workspace: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not load workspace")
		return
	}
	files, err := s.store.ListFiles(ctx, record.WorkspaceID)
	if err != nil {
		s.logf("overview: list files: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not list files")
		return
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	writeData(w, http.StatusOK, map[string]any{
		"workspaceId": wsp.ID,
		"name":        wsp.Name,
		"permission":  record.Permission.String(),
		"files":       paths,
	})
}

// handleSearch runs a substring search over file paths and contents.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, tier, key string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionRead, "")
	if record == nil {
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "query parameter q is required")
		return
	}

	files, err := s.store.SearchFiles(r.Context(), record.WorkspaceID, query)
	if err != nil {
		s.logf("search: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "search failed")
		return
	}

	results := make([]map[string]any, 0, len(files))
	for _, f := range files {
		results = append(results, map[string]any{
			"path":      f.Path,
			"updatedAt": f.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeData(w, http.StatusOK, map[string]any{"query": query, "results": results})
}

// handleFiles dispatches files/<path> and files/<path>/appends.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, tier, key, rest string) {
	filePath := rest
	appendsRoute := false
	if strings.HasSuffix(rest, "/appends") {
		appendsRoute = true
		filePath = strings.TrimSuffix(rest, "/appends")
	}
	if !validFilePath(filePath) {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "invalid file path")
		return
	}

	if appendsRoute {
		switch r.Method {
		case http.MethodGet:
			s.handleListAppends(w, r, tier, key, filePath)
		case http.MethodPost:
			s.handleCreateAppend(w, r, tier, key, filePath)
		default:
			writeNotFound(w)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetFile(w, r, tier, key, filePath)
	case http.MethodPut:
		s.handlePutFile(w, r, tier, key, filePath)
	case http.MethodDelete:
		s.handleDeleteFile(w, r, tier, key, filePath)
	default:
		writeNotFound(w)
	}
}

// liveFile loads a file and treats soft-deleted rows as absent.
func (s *Server) liveFile(w http.ResponseWriter, r *http.Request, workspaceID, path string) *workspace.File {
	f, err := s.store.GetFileByPath(r.Context(), workspaceID, path)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "File not found")
		return nil
	}
	if err != nil {
		s.logf("get file %s: %v", path, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not load file")
		return nil
	}
	return f
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, tier, key, path string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionRead, path)
	if record == nil {
		return
	}
	f := s.liveFile(w, r, record.WorkspaceID, path)
	if f == nil {
		return
	}
	writeData(w, http.StatusOK, fileView(f))
}

// handlePutFile creates or replaces a file and publishes file.created
// or file.updated.
func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request, tier, key, path string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionWrite, path)
	if record == nil {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidJSON(w)
		return
	}

	ctx := r.Context()
	now := s.now().UTC()

	existing, err := s.store.GetFileByPath(ctx, record.WorkspaceID, path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		f := &workspace.File{
			ID:          uuid.NewString(),
			WorkspaceID: record.WorkspaceID,
			Path:        path,
			Content:     req.Content,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.InsertFile(ctx, f); err != nil {
			s.logf("create file %s: %v", path, err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not create file")
			return
		}
		s.bus.Publish(events.Event{
			Name:        "file.created",
			WorkspaceID: record.WorkspaceID,
			FilePath:    path,
			Data:        map[string]any{"path": path},
		})
		writeData(w, http.StatusCreated, fileView(f))

	case err != nil:
		s.logf("put file %s: %v", path, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not load file")

	default:
		if err := s.store.UpdateFileContent(ctx, existing.ID, req.Content, now); err != nil {
			s.logf("update file %s: %v", path, err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not update file")
			return
		}
		existing.Content = req.Content
		existing.UpdatedAt = now
		s.bus.Publish(events.Event{
			Name:        "file.updated",
			WorkspaceID: record.WorkspaceID,
			FilePath:    path,
			Data:        map[string]any{"path": path},
		})
		writeData(w, http.StatusOK, fileView(existing))
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, tier, key, path string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionWrite, path)
	if record == nil {
		return
	}
	f := s.liveFile(w, r, record.WorkspaceID, path)
	if f == nil {
		return
	}
	if err := s.store.SoftDeleteFile(r.Context(), f.ID, s.now().UTC()); err != nil {
		s.logf("delete file %s: %v", path, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not delete file")
		return
	}
	s.bus.Publish(events.Event{
		Name:        "file.deleted",
		WorkspaceID: record.WorkspaceID,
		FilePath:    path,
		Data:        map[string]any{"path": path},
	})
	writeData(w, http.StatusOK, map[string]any{"path": path, "deleted": true})
}

func (s *Server) handleListAppends(w http.ResponseWriter, r *http.Request, tier, key, path string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionRead, path)
	if record == nil {
		return
	}
	f := s.liveFile(w, r, record.WorkspaceID, path)
	if f == nil {
		return
	}
	list, err := s.store.ListAppends(r.Context(), f.ID)
	if err != nil {
		s.logf("list appends %s: %v", path, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not list appends")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, a := range list {
		out = append(out, appendView(a))
	}
	writeData(w, http.StatusOK, map[string]any{"path": path, "appends": out})
}

// handleCreateAppend validates the entry against the key's constraints
// and appends it to the file's event log. Ref violations from the log's
// state machine surface as 400.
func (s *Server) handleCreateAppend(w http.ResponseWriter, r *http.Request, tier, key, path string) {
	record := s.authorize(w, r, tier, key, workspace.PermissionAppend, path)
	if record == nil {
		return
	}
	var req struct {
		Author     string   `json:"author"`
		Type       string   `json:"type"`
		Content    string   `json:"content"`
		Priority   *string  `json:"priority,omitempty"`
		Labels     []string `json:"labels,omitempty"`
		Ref        *string  `json:"ref,omitempty"`
		TTLSeconds int      `json:"ttlSeconds,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeInvalidJSON(w)
		return
	}

	// Key constraints come first, before the log is touched.
	if record.BoundAuthor != nil {
		if req.Author == "" {
			req.Author = *record.BoundAuthor
		} else if req.Author != *record.BoundAuthor {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "author does not match key binding")
			return
		}
	}
	if req.Author == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "author is required")
		return
	}
	typ := workspace.AppendType(req.Type)
	if !typ.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown append type")
		return
	}
	if len(record.AllowedTypes) > 0 && !containsString(record.AllowedTypes, req.Type) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "append type not allowed for this key")
		return
	}

	ctx := r.Context()
	if typ == workspace.AppendClaim && record.WIPLimit != nil {
		active, err := s.store.CountActiveClaimsByAuthor(ctx, record.WorkspaceID, req.Author)
		if err != nil {
			s.logf("count claims: %v", err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not check claim limit")
			return
		}
		if active >= *record.WIPLimit {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "concurrent claim limit reached")
			return
		}
	}

	f := s.liveFile(w, r, record.WorkspaceID, path)
	if f == nil {
		return
	}

	var expiresAt *time.Time
	if req.TTLSeconds > 0 {
		t := s.now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	created, err := s.store.AppendEntry(ctx, store.AppendRequest{
		FileID:    f.ID,
		Author:    req.Author,
		Type:      typ,
		Priority:  req.Priority,
		Labels:    req.Labels,
		Ref:       req.Ref,
		ExpiresAt: expiresAt,
		Content:   req.Content,
	})
	switch {
	case errors.Is(err, store.ErrInvalidRef):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "ref does not name a valid target")
		return
	case errors.Is(err, store.ErrClaimConflict):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "task already claimed")
		return
	case errors.Is(err, store.ErrNotClaimant):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "only the claimant may do that")
		return
	case err != nil:
		s.logf("append %s: %v", path, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "could not record append")
		return
	}

	s.publishAppendEvents(record.WorkspaceID, path, created)
	writeData(w, http.StatusCreated, appendView(created))
}

// publishAppendEvents emits the generic append event plus the
// type-specific ones subscribers and webhooks key on.
func (s *Server) publishAppendEvents(workspaceID, path string, a *workspace.Append) {
	base := map[string]any{
		"path":     path,
		"appendId": a.AppendID,
		"author":   a.Author,
		"type":     a.Type.String(),
	}
	s.bus.Publish(events.Event{
		Name:        "append",
		WorkspaceID: workspaceID,
		FilePath:    path,
		Data:        base,
	})
	switch a.Type {
	case workspace.AppendTask:
		s.bus.Publish(events.Event{
			Name:        "task.created",
			WorkspaceID: workspaceID,
			FilePath:    path,
			Data:        base,
		})
	case workspace.AppendBlocked:
		s.bus.Publish(events.Event{
			Name:        "task.blocked",
			WorkspaceID: workspaceID,
			FilePath:    path,
			Data:        base,
		})
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
