package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/attribution"
	"github.com/falcon-pm/falcon/pkg/dispatch"
	"github.com/falcon-pm/falcon/pkg/killswitch"
	"github.com/falcon-pm/falcon/pkg/lifecycle"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/services"
	"github.com/falcon-pm/falcon/pkg/stage"
	"github.com/falcon-pm/falcon/pkg/store"
)

// renderError maps domain errors to HTTP status codes.
func (s *Server) renderError(c *gin.Context, err error) {
	var ve *services.ValidationError
	var ite *lifecycle.InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ite.Error()})
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, services.ErrNotFound), errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already exists"})
	case errors.Is(err, services.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent modification"})
	case errors.Is(err, services.ErrAgentBusy), errors.Is(err, dispatch.ErrNoIdleAgent):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, killswitch.ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, killswitch.ErrAutoPaused):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Projects

type createProjectBody struct {
	Name    string `json:"name" binding:"required"`
	RepoURL string `json:"repo_url" binding:"required"`
	Subdir  string `json:"subdir"`
}

func (s *Server) createProject(c *gin.Context) {
	var body createProjectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := s.svc.Projects.CreateProject(c.Request.Context(), services.CreateProjectRequest{
		Name:    body.Name,
		RepoURL: body.RepoURL,
		Subdir:  body.Subdir,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.svc.Projects.ListProjects(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) getProject(c *gin.Context) {
	project, err := s.svc.Projects.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) renameProject(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := s.svc.Projects.RenameProject(c.Request.Context(), c.Param("id"), body.Name)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) archiveProject(c *gin.Context) {
	if err := s.svc.Projects.ArchiveProject(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.svc.Projects.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Issues

type createIssueBody struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

func (s *Server) createIssue(c *gin.Context) {
	var body createIssueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	issue, err := s.svc.Issues.CreateIssue(c.Request.Context(), services.CreateIssueRequest{
		ProjectID:   c.Param("id"),
		Title:       body.Title,
		Description: body.Description,
		Priority:    body.Priority,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, issue)
}

func (s *Server) listIssues(c *gin.Context) {
	issues, err := s.svc.Issues.ListIssues(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (s *Server) getIssue(c *gin.Context) {
	issue, err := s.svc.Issues.GetIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

func (s *Server) updateIssue(c *gin.Context) {
	var body struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Priority    *int    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	issue, err := s.svc.Issues.UpdateIssue(c.Request.Context(), c.Param("id"), services.UpdateIssueRequest{
		Title:       body.Title,
		Description: body.Description,
		Priority:    body.Priority,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

func (s *Server) deleteIssue(c *gin.Context) {
	if err := s.svc.Issues.DeleteIssue(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) advanceIssue(c *gin.Context) {
	var body struct {
		Stage string `json:"stage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to := stage.Stage(body.Stage)
	if !to.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown stage", "stage": body.Stage})
		return
	}
	issue, err := s.svc.Issues.AdvanceStage(c.Request.Context(), c.Param("id"), to)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

func (s *Server) startIssue(c *gin.Context) {
	issue, err := s.svc.Issues.StartIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

type dispatchBody struct {
	Model string `json:"model" binding:"required"`
	Debug bool   `json:"debug"`
}

// dispatchIssue starts an agent run in the background. The run outlives
// the request; clients follow it on the run:<issue> channel.
func (s *Server) dispatchIssue(c *gin.Context) {
	var body dispatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	issueID := c.Param("id")
	if _, err := s.svc.Issues.GetIssue(c.Request.Context(), issueID); err != nil {
		s.renderError(c, err)
		return
	}

	go func() {
		if _, err := s.svc.Dispatcher.Dispatch(context.Background(), issueID, body.Model, body.Debug); err != nil {
			slog.Error("Dispatch failed", "issue_id", issueID, "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"issue_id": issueID, "model": body.Model})
}

func (s *Server) cancelRun(c *gin.Context) {
	issueID := c.Param("id")
	if !s.svc.Dispatcher.CancelRun(issueID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active run for issue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issue_id": issueID, "status": "cancelling"})
}

// Findings

type findingBody struct {
	Title       string   `json:"title" binding:"required"`
	Description string   `json:"description" binding:"required"`
	Category    string   `json:"category"`
	Severity    string   `json:"severity"`
	ContextPack string   `json:"context_pack"`
	Spec        string   `json:"spec"`
	Touches     []string `json:"touches"`
	Fingerprint struct {
		Kind       string `json:"kind"`
		Identifier string `json:"identifier"`
		Hash       string `json:"hash"`
	} `json:"fingerprint"`
}

// processFinding feeds a confirmed PR-review finding through the
// attribution engine. The caller supplies the guidance documents the
// implementing agent actually received.
func (s *Server) processFinding(c *gin.Context) {
	if s.svc.Attribution == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attribution is not configured"})
		return
	}
	var body findingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	issue, err := s.svc.Issues.GetIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}

	touches := make([]models.Touch, 0, len(body.Touches))
	for _, t := range body.Touches {
		touches = append(touches, models.Touch(t))
	}
	outcome, err := s.svc.Attribution.ProcessFinding(c.Request.Context(), attribution.FindingInput{
		Finding: &models.Finding{
			ID:          uuid.NewString(),
			IssueID:     issue.ID,
			Title:       body.Title,
			Description: body.Description,
			Category:    body.Category,
			Severity:    body.Severity,
			CreatedAt:   time.Now().UTC(),
		},
		ProjectID:   issue.ProjectID,
		ContextPack: body.ContextPack,
		Spec:        body.Spec,
		Fingerprint: models.DocumentFingerprint{
			Kind:       body.Fingerprint.Kind,
			Identifier: body.Fingerprint.Identifier,
			Hash:       body.Fingerprint.Hash,
		},
		Touches: touches,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, outcome)
}

// Comments

func (s *Server) addComment(c *gin.Context) {
	var body struct {
		Author string `json:"author"`
		Body   string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	comment, err := s.svc.Comments.AddComment(c.Request.Context(), c.Param("id"), body.Author, body.Body)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (s *Server) listComments(c *gin.Context) {
	comments, err := s.svc.Comments.ListComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

// Labels

func (s *Server) createLabel(c *gin.Context) {
	var body struct {
		Name  string `json:"name" binding:"required"`
		Color string `json:"color"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	label, err := s.svc.Labels.CreateLabel(c.Request.Context(), c.Param("id"), body.Name, body.Color)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, label)
}

func (s *Server) listLabels(c *gin.Context) {
	labels, err := s.svc.Labels.ListLabels(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"labels": labels})
}

func (s *Server) bindLabel(c *gin.Context) {
	if err := s.svc.Labels.BindLabel(c.Request.Context(), c.Param("id"), c.Param("labelId")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unbindLabel(c *gin.Context) {
	if err := s.svc.Labels.UnbindLabel(c.Request.Context(), c.Param("id"), c.Param("labelId")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Documents

func (s *Server) attachDocument(c *gin.Context) {
	var body struct {
		Kind    string `json:"kind" binding:"required"`
		Title   string `json:"title" binding:"required"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, err := s.svc.Documents.AttachDocument(c.Request.Context(), c.Param("id"),
		models.DocumentKind(body.Kind), body.Title, body.Content)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (s *Server) listDocuments(c *gin.Context) {
	docs, err := s.svc.Documents.ListDocuments(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (s *Server) updateDocument(c *gin.Context) {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, err := s.svc.Documents.UpdateDocument(c.Request.Context(), c.Param("id"), body.Content)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Agents

func (s *Server) registerAgent(c *gin.Context) {
	var body struct {
		Name  string `json:"name" binding:"required"`
		Model string `json:"model" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := s.svc.Agents.RegisterAgent(c.Request.Context(), services.RegisterAgentRequest{
		ProjectID: c.Param("id"),
		Name:      body.Name,
		Model:     body.Model,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.svc.Agents.ListAgents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.svc.Agents.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) activateAgent(c *gin.Context) {
	agent, err := s.svc.Agents.ActivateAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) releaseAgent(c *gin.Context) {
	agent, err := s.svc.Agents.ReleaseAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Kill switch

func (s *Server) killSwitchStatus(c *gin.Context) {
	status, err := s.svc.KillSwitch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) pauseKillSwitch(c *gin.Context) {
	var body struct {
		State  string `json:"state" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state := models.KillSwitchState(body.State)
	if state != models.KillSwitchInferredPaused && state != models.KillSwitchFullyPaused {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be inferred_paused or fully_paused"})
		return
	}
	if err := s.svc.KillSwitch.Pause(c.Request.Context(), c.Param("id"), state, body.Reason); err != nil {
		s.renderError(c, err)
		return
	}
	s.killSwitchStatus(c)
}

func (s *Server) resumeKillSwitch(c *gin.Context) {
	var body struct {
		Force bool `json:"force"`
	}
	// Body optional; resume without force by default.
	_ = c.ShouldBindJSON(&body)
	if err := s.svc.KillSwitch.Resume(c.Request.Context(), c.Param("id"), body.Force); err != nil {
		s.renderError(c, err)
		return
	}
	s.killSwitchStatus(c)
}
