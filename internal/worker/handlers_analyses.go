package worker

import (
	"errors"
	"net/http"

	"github.com/thebtf/docreview/internal/queue"
	"github.com/thebtf/docreview/pkg/models"
)

// TaskResponse is a task as returned over HTTP.
type TaskResponse struct {
	*models.AnalysisTask
	FailureMessage string `json:"failureMessage,omitempty"`
}

func taskResponse(t *models.AnalysisTask) TaskResponse {
	return TaskResponse{AnalysisTask: t, FailureMessage: t.FailureMessage()}
}

// SubmitResponse acknowledges an accepted analysis.
type SubmitResponse struct {
	Result      *models.AnalysisResult `json:"result,omitempty"`
	TaskID      string                 `json:"taskId"`
	Status      models.TaskStatus      `json:"status"`
	Created     bool                   `json:"created"`
	Resubmitted bool                   `json:"resubmitted,omitempty"`
}

// handleSubmitAnalysis enqueues a document version for analysis. An already analyzed version
// answers 200 with its result.
// POST /api/analyses
func (s *Service) handleSubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req queue.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Queue.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := SubmitResponse{
		TaskID:      res.Task.ID,
		Status:      res.Task.Status,
		Created:     res.Created,
		Resubmitted: res.Resubmitted,
	}
	if res.Result != nil {
		resp.Result = res.Result
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GET /api/analyses/{taskId}
func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "taskId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.deps.Queue.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

// DELETE /api/analyses/{taskId}
func (s *Service) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "taskId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.deps.Queue.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

// handleCancelDocument cancels every pending task of a document.
// POST /api/documents/{documentId}/cancel
func (s *Service) handleCancelDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "documentId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cancelled, err := s.deps.Queue.CancelByDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks := make([]TaskResponse, 0, len(cancelled))
	for _, t := range cancelled {
		tasks = append(tasks, taskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documentId": id,
		"cancelled":  len(tasks),
		"tasks":      tasks,
	})
}

// handleGetResult returns the result of the document's latest analysis, 202 while it is
// still in progress, or 404 when it never ran or ended without a result.
// GET /api/documents/{documentId}/result
func (s *Service) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "documentId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, task, err := s.deps.Queue.GetResult(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrPending):
		body := map[string]interface{}{"status": "pending"}
		if task != nil {
			body["taskId"] = task.ID
			body["taskStatus"] = task.Status
		}
		writeJSON(w, http.StatusAccepted, body)
		return
	case errors.Is(err, models.ErrNotFound) && task != nil && task.Status == models.TaskDead:
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:     task.FailureMessage(),
			Code:      "analysis_failed",
			RequestID: GetRequestID(r.Context()),
		})
		return
	case err != nil:
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
