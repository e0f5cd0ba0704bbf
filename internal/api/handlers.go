package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/codesense/codesense/internal/auth"
	"github.com/codesense/codesense/internal/campaign"
	"github.com/codesense/codesense/internal/celery"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// fail maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a server error.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *campaign.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, celery.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrNoRecipients):
		writeError(w, http.StatusNotFound, "No valid users found")
	case errors.Is(err, campaign.ErrNotFound):
		writeError(w, http.StatusNotFound, "Campaign not found")
	default:
		s.log.WithContext(r.Context()).WithField("path", r.URL.Path).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Server error")
	}
}

func adminOf(r *http.Request) campaign.Admin {
	p, _ := auth.PrincipalFromContext(r.Context())
	return campaign.Admin{ID: p.UserID}
}

type submitResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	TaskID     string `json:"taskId"`
	Recipients int    `json:"recipients"`
	CampaignID string `json:"campaignId"`
}

func submitted(res campaign.Submitted) submitResponse {
	return submitResponse{
		Success:    true,
		Message:    fmt.Sprintf("Bulk email task queued for %d users", res.Recipients),
		TaskID:     res.TaskID,
		Recipients: res.Recipients,
		CampaignID: res.CampaignID,
	}
}

func (s *server) bulk(w http.ResponseWriter, r *http.Request) {
	var req campaign.BulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.campaigns.SubmitBulk(r.Context(), adminOf(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitted(res))
}

func (s *server) all(w http.ResponseWriter, r *http.Request) {
	var req campaign.AllRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.campaigns.SubmitAll(r.Context(), adminOf(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitted(res))
}

func (s *server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	limit := campaign.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	list, err := s.campaigns.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": list})
}

func (s *server) updateCampaign(w http.ResponseWriter, r *http.Request) {
	var p campaign.Patch
	if !decodeBody(w, r, &p) {
		return
	}
	c, err := s.campaigns.Update(r.Context(), pathParam(r, "id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": c})
}

type taskResponse struct {
	TaskID string          `json:"taskId"`
	State  celery.State    `json:"state"`
	Result json.RawMessage `json:"result"`
	Meta   map[string]any  `json:"meta"`
}

// taskStatus never fails: backend problems surface as a FAILURE state.
func (s *server) taskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := pathParam(r, "taskId")
	res := s.campaigns.TaskStatus(r.Context(), taskID)
	result := res.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: taskID, State: res.State, Result: result, Meta: res.Meta})
}

func (s *server) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": s.templates.All()})
}
