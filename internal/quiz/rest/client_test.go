package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/tok-abc", r.URL.Path)
		assert.Equal(t, "Bearer cred", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"success": true,
			"session": {
				"session_token": "tok-abc",
				"quiz_id": 7,
				"user_id": 42,
				"current_question_index": 1,
				"time_remaining": 540,
				"is_completed": false
			}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cred")
	info, err := c.SessionInfo(context.Background(), "tok-abc")
	require.NoError(t, err)

	assert.Equal(t, "tok-abc", info.SessionToken)
	assert.Equal(t, 7, info.QuizID)
	assert.Equal(t, 540, info.TimeRemaining)
	assert.Equal(t, 1, info.CurrentQuestionIndex)
	assert.False(t, info.IsCompleted)
}

func TestQuizByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quizzes/7", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"success": true,
			"quiz": {
				"id": 7,
				"title": "midterm",
				"duration_minutes": 10,
				"total_questions": 2,
				"questions": [
					{
						"id": "q1",
						"question_text": "2+2?",
						"options": {"a": "3", "b": "4", "c": "5", "d": "6"},
						"question_order": 1
					},
					{
						"id": "q2",
						"question_image_path": "/static/q2.png",
						"options": {"a": "yes", "b": "no", "c": "-", "d": "-"},
						"question_order": 2
					}
				]
			}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	quiz, err := c.QuizByID(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "midterm", quiz.Title)
	assert.Equal(t, 2, quiz.TotalQuestions)
	require.Len(t, quiz.Questions, 2)
	assert.Equal(t, "4", quiz.Questions[0].Options["b"])
	assert.Equal(t, "/static/q2.png", quiz.Questions[1].ImagePath)
}

func TestErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success": false, "message": "session not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.SessionInfo(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "session not found")
}
