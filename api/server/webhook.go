package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/models"
)

var webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gantry_webhook_events_total",
	Help: "Webhook deliveries by disposition.",
}, []string{"disposition"})

const maxWebhookBody = 1 << 20

type workflowJobEvent struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		ID     int64    `json:"id"`
		RunID  int64    `json:"run_id"`
		Name   string   `json:"name"`
		Labels []string `json:"labels"`
	} `json:"workflow_job"`
	Organization struct {
		Login string `json:"login"`
	} `json:"organization"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleWebhook ingests workflow job events. Delivery is at-least-once, so
// queuing is idempotent on the job id; lifecycle actions other than
// "queued" are acknowledged and left to reconciliation.
func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := common.Logger(ctx)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		handleErrorResponse(c, err)
		return
	}

	if s.cfg.WebhookSecret != "" {
		if !verifySignature(body, s.cfg.WebhookSecret, c.GetHeader("X-Hub-Signature-256")) {
			webhookEvents.WithLabelValues("bad_signature").Inc()
			handleErrorResponse(c, models.ErrInvalidSignature)
			return
		}
	}

	if ev := c.GetHeader("X-GitHub-Event"); ev != "workflow_job" {
		webhookEvents.WithLabelValues("ignored_event").Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "event": ev})
		return
	}

	var event workflowJobEvent
	if err := json.Unmarshal(body, &event); err != nil {
		handleErrorResponse(c, models.ErrInvalidJSON)
		return
	}

	org := event.Organization.Login
	if org == "" {
		// Repo-level hooks omit the organization block.
		if i := strings.IndexByte(event.Repository.FullName, '/'); i > 0 {
			org = event.Repository.FullName[:i]
		}
	}

	log = log.WithFields(logrus.Fields{
		"action": event.Action, "org": org, "job_id": event.WorkflowJob.ID,
	})

	switch event.Action {
	case "queued":
	case "in_progress", "completed", "waiting":
		// Runner lifecycle is driven by observing the orchestrator, not by
		// these events; they are acknowledged so upstream stops retrying.
		webhookEvents.WithLabelValues("acked").Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "acknowledged"})
		return
	default:
		webhookEvents.WithLabelValues("ignored_action").Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
		return
	}

	if !hasAllLabels(event.WorkflowJob.Labels, s.cfg.RequiredLabels) {
		webhookEvents.WithLabelValues("label_mismatch").Inc()
		log.WithField("labels", event.WorkflowJob.Labels).Debug("job labels not targeted at this pool")
		c.JSON(http.StatusAccepted, gin.H{"status": "not_for_us"})
		return
	}

	job := &models.JobRequest{
		ID:           event.WorkflowJob.ID,
		Org:          org,
		RunID:        event.WorkflowJob.RunID,
		JobName:      event.WorkflowJob.Name,
		RepoFullName: event.Repository.FullName,
		Labels:       event.WorkflowJob.Labels,
		EnqueuedAt:   time.Now().UTC(),
	}
	if err := job.Validate(); err != nil {
		handleErrorResponse(c, models.NewAPIError(http.StatusBadRequest, err))
		return
	}

	queued, err := s.ds.Enqueue(ctx, job)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	if !queued {
		webhookEvents.WithLabelValues("duplicate").Inc()
		log.Debug("duplicate delivery")
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	webhookEvents.WithLabelValues("queued").Inc()
	log.Info("job queued")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func verifySignature(body []byte, secret, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}

func hasAllLabels(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[strings.ToLower(l)] = true
	}
	for _, l := range want {
		if !set[strings.ToLower(l)] {
			return false
		}
	}
	return true
}
