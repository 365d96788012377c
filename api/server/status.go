package server

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/gantryproject/gantry/api/limits"
	"github.com/gantryproject/gantry/api/models"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.ds.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"max_total":     s.ledger.MaxTotal(),
		"default_limit": s.limits.Default(),
	})
}

// handleGlobalStatus returns the whole pool's capacity view: per-org running
// and pending counts with effective limits, plus global totals.
func (s *Server) handleGlobalStatus(c *gin.Context) {
	ctx := c.Request.Context()

	running, err := s.ledger.RunningCounts(ctx)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	pendingOrgs, err := s.ds.NonEmptyOrgs(ctx)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	policy, err := s.limits.Snapshot(ctx)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}

	orgSet := make(map[string]bool, len(running))
	for org := range running {
		orgSet[org] = true
	}
	for _, org := range pendingOrgs {
		orgSet[org] = true
	}
	orgs := make([]string, 0, len(orgSet))
	for org := range orgSet {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	out := models.GlobalStatus{MaxTotal: s.ledger.MaxTotal()}
	for _, org := range orgs {
		st, err := s.orgStatus(ctx, org, running[org], policy)
		if err != nil {
			handleErrorResponse(c, err)
			return
		}
		out.TotalRunning += st.Running
		out.TotalPending += st.Pending
		out.Orgs = append(out.Orgs, st)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleOrgStatus(c *gin.Context) {
	ctx := c.Request.Context()
	org := c.Param("org")
	if org == "" {
		handleErrorResponse(c, models.ErrOrgMissingName)
		return
	}

	running, err := s.ledger.OrgRunning(ctx, org)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	policy, err := s.limits.Snapshot(ctx)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	st, err := s.orgStatus(ctx, org, running, policy)
	if err != nil {
		handleErrorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) orgStatus(ctx context.Context, org string, running uint64, policy *limits.Policy) (models.OrgStatus, error) {
	pending, err := s.ds.QueueLen(ctx, org)
	if err != nil {
		return models.OrgStatus{}, err
	}
	limit := policy.Limit(org)
	st := models.OrgStatus{
		Org:      org,
		Running:  running,
		Pending:  pending,
		Limit:    limit,
		IsCustom: policy.IsCustom(org),
	}
	if limit > running {
		st.Available = limit - running
	}
	return st, nil
}
