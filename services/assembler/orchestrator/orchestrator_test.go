// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AssembleLocal/services/assembler/config"
)

// newTestService builds an orchestrator on an in-memory store.
func newTestService(t *testing.T, authToken string) *Orchestrator {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.InMemory = true
	cfg.Server.AuthToken = authToken
	cfg.Paths.UploadRoot = t.TempDir()
	cfg.Paths.TempRoot = t.TempDir()
	cfg.Git.SnapshotRoot = t.TempDir()

	svc, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown() })
	return svc
}

// newProjectSkeleton creates a directory shaped like a registered project.
func newProjectSkeleton(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app/src/main/assets/apps/alpha"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gradlew"), []byte("#!/bin/sh\n"), 0o755))
	return dir
}

func doJSON(t *testing.T, svc *Orchestrator, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	svc.Engine().ServeHTTP(rec, req)
	return rec
}

// TestHealth verifies the liveness endpoint.
func TestHealth(t *testing.T) {
	svc := newTestService(t, "")
	rec := doJSON(t, svc, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestMetricsExposed verifies the prometheus endpoint serves the registry.
func TestMetricsExposed(t *testing.T) {
	svc := newTestService(t, "")
	rec := doJSON(t, svc, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestProjectRegistration verifies workspace validation and CRUD.
func TestProjectRegistration(t *testing.T) {
	svc := newTestService(t, "")

	t.Run("missing workspace pieces rejected", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodPost, "/v1/projects", map[string]any{
			"name": "bad", "path": t.TempDir(),
		}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ProjectMissing", body["kind"])
	})

	t.Run("valid project registered", func(t *testing.T) {
		dir := newProjectSkeleton(t)
		rec := doJSON(t, svc, http.MethodPost, "/v1/projects", map[string]any{
			"name": "demo", "path": dir,
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var project map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &project))
		id := project["id"].(string)
		require.NotEmpty(t, id)

		listRec := doJSON(t, svc, http.MethodGet, "/v1/projects", nil, nil)
		assert.Equal(t, http.StatusOK, listRec.Code)
		assert.Contains(t, listRec.Body.String(), "demo")

		statusRec := doJSON(t, svc, http.MethodGet, "/v1/projects/"+id+"/status", nil, nil)
		require.Equal(t, http.StatusOK, statusRec.Code)
		var status map[string]any
		require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
		assert.Equal(t, true, status["has_wrapper"])
		assert.Equal(t, false, status["is_git"])

		delRec := doJSON(t, svc, http.MethodDelete, "/v1/projects/"+id, nil, nil)
		assert.Equal(t, http.StatusNoContent, delRec.Code)
	})

	t.Run("binding failure is 400", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodPost, "/v1/projects", map[string]any{
			"path": "/somewhere",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// TestTaskEndpoints verifies create validation and lifecycle endpoints.
func TestTaskEndpoints(t *testing.T) {
	svc := newTestService(t, "")

	dir := newProjectSkeleton(t)
	rec := doJSON(t, svc, http.MethodPost, "/v1/projects", map[string]any{
		"name": "demo", "path": dir,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var project map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &project))
	projectID := project["id"].(string)

	t.Run("unsupported archive extension rejected at binding", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodPost, "/v1/tasks", map[string]any{
			"project_id":   projectID,
			"archive_path": "/tmp/resources.tar.gz",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("create then fetch", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodPost, "/v1/tasks", map[string]any{
			"project_id":   projectID,
			"archive_path": filepath.Join(t.TempDir(), "alpha.zip"),
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var created map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		id := created["id"].(string)
		assert.Equal(t, "pending", created["status"])

		getRec := doJSON(t, svc, http.MethodGet, "/v1/tasks/"+id, nil, nil)
		assert.Equal(t, http.StatusOK, getRec.Code)

		// A second live task for the same project conflicts.
		dupRec := doJSON(t, svc, http.MethodPost, "/v1/tasks", map[string]any{
			"project_id":   projectID,
			"archive_path": filepath.Join(t.TempDir(), "alpha.zip"),
		}, nil)
		assert.Equal(t, http.StatusConflict, dupRec.Code)

		cancelRec := doJSON(t, svc, http.MethodPost, "/v1/tasks/"+id+"/cancel", nil, nil)
		assert.Equal(t, http.StatusAccepted, cancelRec.Code)
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodGet, "/v1/tasks/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// TestUpload verifies multipart staging and the extension gate.
func TestUpload(t *testing.T) {
	svc := newTestService(t, "")

	build := func(filename string) (*bytes.Buffer, string) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte("payload"))
		require.NoError(t, err)
		require.NoError(t, writer.Close())
		return &buf, writer.FormDataContentType()
	}

	t.Run("zip accepted", func(t *testing.T) {
		buf, contentType := build("alpha.zip")
		req := httptest.NewRequest(http.MethodPost, "/v1/uploads", buf)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		svc.Engine().ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.FileExists(t, resp["archive_path"].(string))
	})

	t.Run("tarball rejected", func(t *testing.T) {
		buf, contentType := build("alpha.tar.gz")
		req := httptest.NewRequest(http.MethodPost, "/v1/uploads", buf)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		svc.Engine().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})
}

// TestBearerAuth verifies the token gate on /v1 only.
func TestBearerAuth(t *testing.T) {
	svc := newTestService(t, "sekrit")

	t.Run("health is open", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("v1 without token rejected", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodGet, "/v1/projects", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodGet, "/v1/projects", nil,
			map[string]string{"Authorization": "Bearer nope"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("correct token accepted", func(t *testing.T) {
		rec := doJSON(t, svc, http.MethodGet, "/v1/projects", nil,
			map[string]string{"Authorization": "Bearer sekrit"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

// TestRateLimit verifies task creation throttling.
func TestRateLimit(t *testing.T) {
	svc := newTestService(t, "")
	// Default is 30/min with burst 30; the 31st immediate request trips it.
	var last int
	for i := 0; i < 40; i++ {
		rec := doJSON(t, svc, http.MethodPost, "/v1/tasks", map[string]any{
			"project_id":   fmt.Sprintf("p-%d", i),
			"archive_path": "/tmp/a.zip",
		}, nil)
		last = rec.Code
		if last == http.StatusTooManyRequests {
			break
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
