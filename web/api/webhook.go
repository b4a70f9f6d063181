package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/SomethingGeneric/gort/internal/domain"
)

const maxWebhookBody = 1 << 20

type hookUser struct {
	Login string `json:"login"`
}

type hookPayload struct {
	Action string `json:"action"`
	Issue  *struct {
		Number      int             `json:"number"`
		Title       string          `json:"title"`
		Body        string          `json:"body"`
		User        hookUser        `json:"user"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Comment *struct {
		Body string   `json:"body"`
		User hookUser `json:"user"`
	} `json:"comment"`
	Repository *struct {
		Name  string   `json:"name"`
		Owner hookUser `json:"owner"`
	} `json:"repository"`
}

// eventName returns the forge event type; Gitea also sends the GitHub header
func eventName(h http.Header) string {
	if e := h.Get("X-Gitea-Event"); e != "" {
		return e
	}
	return h.Get("X-GitHub-Event")
}

// ParseIssueEvent decodes a Gitea or GitHub webhook into an IssueEvent. It
// returns false for events that never start a run.
func ParseIssueEvent(event string, body []byte) (domain.IssueEvent, bool, error) {
	switch event {
	case "issues", "issue_comment":
	default:
		return domain.IssueEvent{}, false, nil
	}

	var p hookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.IssueEvent{}, false, fmt.Errorf("decode %s payload: %w", event, err)
	}
	if p.Issue == nil || p.Repository == nil {
		return domain.IssueEvent{}, false, fmt.Errorf("%s payload without issue or repository", event)
	}
	// Comments on pull requests arrive as issue_comment too
	if pr := strings.TrimSpace(string(p.Issue.PullRequest)); pr != "" && pr != "null" {
		return domain.IssueEvent{}, false, nil
	}

	ev := domain.IssueEvent{
		Repo:   domain.RepositorySlug{Owner: p.Repository.Owner.Login, Name: p.Repository.Name},
		Number: p.Issue.Number,
		Title:  p.Issue.Title,
		Body:   p.Issue.Body,
		Author: p.Issue.User.Login,
		Action: domain.IssueAction(p.Action),
	}

	switch {
	case event == "issues" && ev.Action == domain.IssueOpened:
	case event == "issue_comment" && ev.Action == domain.IssueCommentCreated:
		if p.Comment == nil {
			return domain.IssueEvent{}, false, fmt.Errorf("issue_comment payload without comment")
		}
		ev.Author = p.Comment.User.Login
	default:
		return domain.IssueEvent{}, false, nil
	}

	if ev.Repo.Owner == "" || ev.Repo.Name == "" || ev.Number <= 0 {
		return domain.IssueEvent{}, false, fmt.Errorf("%s payload missing repository or issue number", event)
	}
	return ev, true, nil
}

// verifySignature checks the sha256 HMAC sent by GitHub or Gitea
func verifySignature(secret string, h http.Header, body []byte) bool {
	sig := h.Get("X-Hub-Signature-256")
	if sig != "" {
		sig = strings.TrimPrefix(sig, "sha256=")
	} else {
		sig = h.Get("X-Gitea-Signature")
	}
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (s *Server) webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if s.cfg.Secret != "" && !verifySignature(s.cfg.Secret, r.Header, body) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		event := eventName(r.Header)
		ev, ok, err := ParseIssueEvent(event, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		if s.responder == nil {
			writeError(w, http.StatusServiceUnavailable, "no responder configured")
			return
		}

		s.logger.Info("webhook accepted", "event", event, "repo", ev.Repo.String(), "issue", ev.Number, "author", ev.Author)
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			if _, err := s.responder.Handle(s.baseCtx, ev); err != nil {
				s.logger.Warn("issue event", "repo", ev.Repo.String(), "issue", ev.Number, "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
