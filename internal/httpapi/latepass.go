package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"latepass/internal/attendance"
	"latepass/internal/latepass"
)

func (s *server) getConfig(c *gin.Context) {
	cfg, err := s.Policy.Get(c.Request.Context(), actor(c).OrgID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *server) updateConfig(c *gin.Context) {
	var upd latepass.ConfigUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, err)
		return
	}
	who := actor(c)
	cfg, err := s.Policy.Update(c.Request.Context(), who.OrgID, upd, who.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *server) listEligible(c *gin.Context) {
	scope := latepass.Scope{
		ClassroomID:      c.Query("classroomId"),
		ClassroomGroupID: c.Query("classroomGroupId"),
	}
	students, err := s.Resolver.ListEligible(c.Request.Context(), actor(c).OrgID, scope)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func (s *server) listUpcomingSessions(c *gin.Context) {
	ctx := c.Request.Context()
	orgID := actor(c).OrgID
	cfg, err := s.Policy.Get(ctx, orgID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sessions, err := s.Resolver.ListUpcomingSessions(ctx, orgID, c.Param("studentId"), cfg)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type issueRequest struct {
	StudentID string `json:"studentId" binding:"required"`
	SessionID string `json:"sessionId" binding:"required"`
}

func (s *server) issueTicket(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	who := actor(c)
	ticket, err := s.Manager.Issue(c.Request.Context(), who.OrgID, req.StudentID, req.SessionID, who.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func (s *server) listTickets(c *gin.Context) {
	f, err := parseTicketFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	tickets, err := s.Manager.List(c.Request.Context(), actor(c).OrgID, f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

func parseTicketFilter(c *gin.Context) (latepass.TicketFilter, error) {
	f := latepass.TicketFilter{
		StudentID: c.Query("studentId"),
		SessionID: c.Query("sessionId"),
		Status:    latepass.Status(c.Query("status")),
		IssuedBy:  c.Query("issuedBy"),
	}
	var err error
	if f.IssuedFrom, err = queryTime(c, "issuedFrom"); err != nil {
		return f, err
	}
	if f.IssuedTo, err = queryTime(c, "issuedTo"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, errors.Wrapf(err, "%s must be RFC 3339", key)
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	return n, errors.Wrapf(err, "%s must be an integer", key)
}

func (s *server) getTicket(c *gin.Context) {
	ticket, err := s.Manager.Get(c.Request.Context(), actor(c).OrgID, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (s *server) cancelTicket(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	who := actor(c)
	ticket, err := s.Manager.Cancel(c.Request.Context(), who.OrgID, c.Param("id"), req.Reason, who.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

type useRequest struct {
	Status attendance.Status `json:"status" binding:"required,oneof=PRESENT LATE"`
}

func (s *server) useTicket(c *gin.Context) {
	var req useRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	who := actor(c)
	ticket, rec, err := s.Manager.Use(c.Request.Context(), who.OrgID, c.Param("id"), req.Status, who.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket, "attendance": rec})
}

type validateRequest struct {
	Token     string `json:"token" binding:"required"`
	SessionID string `json:"sessionId" binding:"required"`
}

func (s *server) validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := s.Gate.Validate(c.Request.Context(), actor(c).OrgID, req.Token, req.SessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type redeemRequest struct {
	Token     string            `json:"token" binding:"required"`
	SessionID string            `json:"sessionId" binding:"required"`
	Status    attendance.Status `json:"status" binding:"omitempty,oneof=PRESENT LATE"`
}

func (s *server) redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Status == "" {
		req.Status = attendance.StatusLate
	}
	who := actor(c)
	v, rec, err := s.Gate.Redeem(c.Request.Context(), who.OrgID, req.Token, req.SessionID, req.Status, who.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	body := gin.H{"verdict": v}
	if rec != nil {
		body["attendance"] = rec
	}
	c.JSON(http.StatusOK, body)
}

func (s *server) expireOverdue(c *gin.Context) {
	n, err := s.Manager.ExpireOverdue(c.Request.Context(), actor(c).OrgID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}
