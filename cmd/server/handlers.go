package main

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	"pttrelay/internal/geo"
	"pttrelay/internal/metrics"
	"pttrelay/internal/state"
	"pttrelay/internal/store"
	"pttrelay/pkg/protocol"
)

// parsePoint turns optional form coordinates into a point, nil when either
// is missing or non-finite.
func parsePoint(latStr, lonStr string) *geo.Point {
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	lon, errLon := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if errLat != nil || errLon != nil {
		return nil
	}
	p := geo.Point{Lat: lat, Lon: lon}
	if !p.Finite() {
		return nil
	}
	return &p
}

// handleUpload is the upload gate: ban check, arbitration check against the
// cell derived from the supplied coordinates, then payload presence. On
// success the blob is stored, the uploader's lock released and the finished
// message fanned out around the upload origin.
func (s *Server) handleUpload(c *gin.Context) {
	userID := strings.TrimSpace(c.PostForm("userId"))
	if userID == "" {
		userID = "anon"
	}
	name := c.PostForm("name")
	p := parsePoint(c.PostForm("lat"), c.PostForm("lon"))

	busy, err := s.stateManager.CheckUpload(userID, p)
	switch {
	case errors.Is(err, state.ErrBanned):
		metrics.UploadsTotal.WithLabelValues("banned").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": protocol.ReasonBanned})
		return
	case errors.Is(err, state.ErrChannelBusy):
		metrics.UploadsTotal.WithLabelValues("channel_busy").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": protocol.CodeChannelBusy, "busy": busy})
		return
	}

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("no_file").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.CodeNoFile})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("no_file").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.CodeNoFile})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil || len(data) == 0 {
		metrics.UploadsTotal.WithLabelValues("no_file").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.CodeNoFile})
		return
	}

	blob, err := s.blobs.Save(data, fileHeader.Filename, fileHeader.Header.Get("Content-Type"))
	if errors.Is(err, store.ErrTooLarge) {
		metrics.UploadsTotal.WithLabelValues("too_large").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}
	if err != nil {
		log.Printf("Failed to store upload from %s: %v", userID, err)
		metrics.UploadsTotal.WithLabelValues("store_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
		return
	}

	msg := s.stateManager.PublishMessage(userID, name, p, blob.URL, blob.Mime)
	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	log.Printf("Relayed message %s from %s (%d bytes, %s)", msg.ID, userID, len(data), blob.Mime)
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": msg})
}

type complaintRequest struct {
	ReporterID string `json:"reporterId"`
	MessageID  string `json:"messageId"`
}

func (s *Server) handleComplaint(c *gin.Context) {
	var req complaintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.ComplaintsTotal.WithLabelValues("missing_messageId").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.CodeMissingMessageID})
		return
	}
	messageID := strings.TrimSpace(req.MessageID)
	if messageID == "" {
		metrics.ComplaintsTotal.WithLabelValues("missing_messageId").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": protocol.CodeMissingMessageID})
		return
	}
	reporterID := strings.TrimSpace(req.ReporterID)
	if reporterID == "" {
		reporterID = ksuid.New().String()
	}

	count, duplicated, err := s.stateManager.FileComplaint(reporterID, messageID)
	if errors.Is(err, state.ErrUnknownMessage) {
		metrics.ComplaintsTotal.WithLabelValues("unknown_message").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": protocol.CodeUnknownMessage})
		return
	}

	resp := gin.H{"ok": true, "count": count}
	if duplicated {
		resp["duplicated"] = true
		metrics.ComplaintsTotal.WithLabelValues("duplicated").Inc()
	} else {
		metrics.ComplaintsTotal.WithLabelValues("counted").Inc()
	}
	c.JSON(http.StatusOK, resp)
}
