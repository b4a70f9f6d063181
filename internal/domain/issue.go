package domain

import "time"

// IssueAction is the kind of issue activity that triggers a run
type IssueAction string

const (
	IssueOpened         IssueAction = "opened"
	IssueCommentCreated IssueAction = "created"
)

// IssueEvent is a forge-agnostic issue or issue comment notification
type IssueEvent struct {
	Repo   RepositorySlug
	Number int
	Title  string
	Body   string
	Author string // Who opened the issue or wrote the comment
	Action IssueAction
}

// Comment is a single issue comment
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}
