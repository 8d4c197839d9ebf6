package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"latepass/internal/attendance"
)

type markRequest struct {
	StudentID  string            `json:"studentId" binding:"required"`
	SessionID  string            `json:"sessionId" binding:"required"`
	Status     attendance.Status `json:"status" binding:"required,oneof=PRESENT LATE ABSENT EXCUSED SICK"`
	OccurredAt *time.Time        `json:"occurredAt"`
}

func (s *server) markAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	who := actor(c)
	rec := attendance.Record{
		OrgID:     who.OrgID,
		StudentID: req.StudentID,
		SessionID: req.SessionID,
		Status:    req.Status,
		MarkedBy:  who.UserID,
	}
	if req.OccurredAt != nil {
		rec.OccurredAt = req.OccurredAt.UTC()
	}
	out, err := s.Attendance.Mark(c.Request.Context(), rec)
	if errors.Is(err, attendance.ErrInvalidRecord) {
		badRequest(c, err)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *server) attendanceHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	recs, err := s.Attendance.History(c.Request.Context(), actor(c).OrgID, c.Param("studentId"), limit)
	if errors.Is(err, attendance.ErrInvalidRecord) {
		badRequest(c, err)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}
