package server

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/models"
)

func (s *Server) handleLimitsList(c *gin.Context) {
	overrides, err := s.limits.Overrides(c.Request.Context())
	if err != nil {
		handleErrorResponse(c, err)
		return
	}

	out := make([]models.OrgLimit, 0, len(overrides))
	for org, limit := range overrides {
		out = append(out, models.OrgLimit{Org: org, Limit: limit, IsCustom: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Org < out[j].Org })

	c.JSON(http.StatusOK, gin.H{
		"default_limit": s.limits.Default(),
		"overrides":     out,
	})
}

func (s *Server) handleLimitGet(c *gin.Context) {
	lim, err := s.limits.Get(c.Request.Context(), c.Param("org"))
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, lim)
}

type limitBody struct {
	Limit int64 `json:"limit"`
}

func (s *Server) handleLimitSet(c *gin.Context) {
	ctx := c.Request.Context()
	org := c.Param("org")

	var body limitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		handleErrorResponse(c, models.ErrInvalidJSON)
		return
	}
	if !models.ValidLimit(body.Limit) {
		handleErrorResponse(c, models.ErrLimitOutOfRange)
		return
	}

	prev, err := s.limits.Set(ctx, org, uint64(body.Limit))
	if err != nil {
		handleErrorResponse(c, err)
		return
	}

	common.Logger(ctx).WithFields(logrus.Fields{
		"org": org, "limit": body.Limit, "previous": prev.Limit,
	}).Info("org limit set")
	c.JSON(http.StatusOK, gin.H{
		"org":             org,
		"limit":           body.Limit,
		"previous":        prev.Limit,
		"previous_custom": prev.IsCustom,
	})
}

func (s *Server) handleLimitRemove(c *gin.Context) {
	ctx := c.Request.Context()
	org := c.Param("org")

	prev, removed, err := s.limits.Remove(ctx, org)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, models.Error{Message: "no custom limit for org"})
		return
	}

	common.Logger(ctx).WithField("org", org).Info("org limit removed")
	c.JSON(http.StatusOK, gin.H{
		"org":      org,
		"previous": prev.Limit,
		"limit":    s.limits.Default(),
	})
}

type bulkLimitsBody struct {
	OrgLimits map[string]int64 `json:"org_limits"`
}

// handleLimitsBulkSet stores many overrides at once, keeping existing
// entries. Out-of-range values are skipped and reported back; the request
// fails only when nothing in it was usable.
func (s *Server) handleLimitsBulkSet(c *gin.Context) {
	ctx := c.Request.Context()

	var body bulkLimitsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		handleErrorResponse(c, models.ErrInvalidJSON)
		return
	}
	if len(body.OrgLimits) == 0 {
		handleErrorResponse(c, models.ErrLimitsMissingBody)
		return
	}

	valid := make(map[string]uint64, len(body.OrgLimits))
	var skipped []string
	for org, limit := range body.OrgLimits {
		if org == "" || !models.ValidLimit(limit) {
			skipped = append(skipped, org)
			continue
		}
		valid[org] = uint64(limit)
	}
	sort.Strings(skipped)
	if len(valid) == 0 {
		handleErrorResponse(c, models.ErrLimitsNoValidEntries)
		return
	}

	if err := s.limits.SetBulk(ctx, valid); err != nil {
		handleErrorResponse(c, err)
		return
	}
	common.Logger(ctx).WithFields(logrus.Fields{
		"entries": len(valid), "skipped": len(skipped),
	}).Info("org limits bulk set")
	c.JSON(http.StatusOK, gin.H{"written": len(valid), "skipped": skipped})
}

// handleLimitsReload re-reads the limits file. Without force only orgs that
// have no stored override are written, so runtime changes survive; with
// force the file fully replaces the stored set.
func (s *Server) handleLimitsReload(c *gin.Context) {
	ctx := c.Request.Context()
	if s.cfg.LimitsFile == "" {
		c.JSON(http.StatusNotFound, models.Error{Message: "no limits file configured"})
		return
	}
	force := c.Query("force") == "true"

	n, err := s.limits.Reload(ctx, s.cfg.LimitsFile, force)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": n, "force": force})
}

func (s *Server) handleQueuePurge(c *gin.Context) {
	ctx := c.Request.Context()
	org := c.Param("org")

	n, err := s.ds.PurgeQueue(ctx, org)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	common.Logger(ctx).WithFields(logrus.Fields{"org": org, "purged": n}).Warn("queue purged")
	c.JSON(http.StatusOK, gin.H{"org": org, "purged": n})
}

func (s *Server) handleFailuresList(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusNotFound, models.Error{Message: "failure auditing not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	failures, err := s.audit.List(c.Request.Context(), c.Query("org"), limit)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures})
}
