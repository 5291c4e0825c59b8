package labelstudio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlabeledTaskIDs_FiltersLabeled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.URL.Query().Get("project"))

		if r.URL.Query().Get("page") != "1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tasks": []map[string]any{
				{"id": 101, "is_labeled": false},
				{"id": 102, "is_labeled": true},
				{"id": 103, "is_labeled": false},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 3, 5*time.Second)
	ids, err := client.UnlabeledTaskIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 103}, ids)
}

func TestUnlabeledTaskIDs_EmptyProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": []any{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 1, 5*time.Second)
	ids, err := client.UnlabeledTaskIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tasks/42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 42,
			"data": map[string]any{
				"audio":    "/data/media/clip.wav",
				"duration": 12.5,
				"metadata": map[string]any{"speaker": "a"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 1, 5*time.Second)
	task, err := client.GetTask(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, int64(42), task.ID)
	assert.Equal(t, "/data/media/clip.wav", task.Data.Audio)
	require.NotNil(t, task.Data.Duration)
	assert.Equal(t, 12.5, *task.Data.Duration)
	assert.Equal(t, "a", task.Data.Metadata["speaker"])
}

func TestGetTask_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 1, 5*time.Second)
	_, err := client.GetTask(context.Background(), 42)
	assert.ErrorContains(t, err, "HTTP 404")
}

func TestSubmitAnnotation(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tasks/42/annotations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 1, 5*time.Second)
	require.NoError(t, client.SubmitAnnotation(context.Background(), 42, "hello"))

	results := got["result"].([]any)
	require.Len(t, results, 1)
	result := results[0].(map[string]any)
	assert.Equal(t, "transcription", result["from_name"])
	assert.Equal(t, "audio", result["to_name"])
	assert.Equal(t, "textarea", result["type"])
	assert.Equal(t, []any{"hello"}, result["value"].(map[string]any)["text"])
}

func TestSubmitAnnotation_Refused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 1, 5*time.Second)
	err := client.SubmitAnnotation(context.Background(), 42, "hello")
	assert.ErrorContains(t, err, "refused annotation")
}

func TestUnlabeledTaskIDs_Paginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "1":
			tasks := make([]map[string]any, pageSize)
			for i := range tasks {
				tasks[i] = map[string]any{"id": i + 1, "is_labeled": false}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
		case "2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"tasks": []map[string]any{{"id": pageSize + 1, "is_labeled": false}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 1, 5*time.Second)
	ids, err := client.UnlabeledTaskIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, pageSize+1)
	assert.Equal(t, int64(1), ids[0])
	assert.Equal(t, int64(pageSize+1), ids[pageSize])
}

func TestResolveAudioPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/data/media/upload/1/clip.wav", "/opt/label-studio/media/upload/1/clip.wav"},
		{"/data/upload/clip.mp3", "/opt/label-studio/upload/clip.mp3"},
		{"clip.ogg", "/opt/label-studio/media/clip.ogg"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveAudioPath("/opt/label-studio", tt.in))
		})
	}
}

func TestContentTypeForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a.wav", "audio/wav"},
		{"a.MP3", "audio/mpeg"},
		{"a.m4a", "audio/mp4"},
		{"a.ogg", "audio/ogg"},
		{"a.flac", "audio/flac"},
		{"a.webm", "audio/webm"},
		{"a.opus", "audio/opus"},
		{"a.bin", "audio/mpeg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContentTypeForPath(tt.path), fmt.Sprintf("path %s", tt.path))
	}
}
