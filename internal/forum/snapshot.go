package forum

import (
	"context"
	"time"
)

// UserSnapshot is a parsed user profile as observed on one fetch.
type UserSnapshot struct {
	UID       int64
	Name      string
	Avatar    string
	Group     string
	Posts     int64
	Signature string
	Email     string
	Blurb     string
	Location  string
	RealName  string
	Social    string
	Website   string
	Gender    string
}

// Validate reports a MalformedSnapshotError when required fields are missing.
func (s UserSnapshot) Validate() error {
	if s.UID <= 0 {
		return &MalformedSnapshotError{Kind: KindUser, Reason: "missing uid"}
	}
	return nil
}

// BoardListing is one entry of the board index page.
type BoardListing struct {
	BID  int64
	Name string
	// LastActivity is the forum's own freshness marker for the board.
	LastActivity time.Time
}

// Validate reports a MalformedSnapshotError when required fields are missing.
func (s BoardListing) Validate() error {
	if s.BID <= 0 {
		return &MalformedSnapshotError{Kind: KindBoard, Reason: "missing bid"}
	}
	return nil
}

// TopicListing is one entry of a board page's topic table.
type TopicListing struct {
	TID          int64
	Name         string
	BID          int64
	LastActivity time.Time
}

// Validate reports a MalformedSnapshotError when required fields are missing.
func (s TopicListing) Validate() error {
	if s.TID <= 0 {
		return &MalformedSnapshotError{Kind: KindTopic, Reason: "missing tid"}
	}
	if s.BID <= 0 {
		return &MalformedSnapshotError{Kind: KindTopic, Reason: "missing bid"}
	}
	return nil
}

// MessageSnapshot is a parsed post. The fetch layer denormalizes the owning
// board, topic, and author into the snapshot so a single reconciliation pass
// can upsert parents before the message itself.
type MessageSnapshot struct {
	MID       int64
	Subject   string
	Date      time.Time
	Edited    *time.Time
	Content   string
	Icon      string
	TID       int64
	TopicName string
	BID       int64
	BoardName string
	User      UserSnapshot
}

// Validate reports a MalformedSnapshotError when identifiers are missing.
func (s MessageSnapshot) Validate() error {
	if s.MID <= 0 {
		return &MalformedSnapshotError{Kind: KindMessage, Reason: "missing mid"}
	}
	if s.TID <= 0 {
		return &MalformedSnapshotError{Kind: KindMessage, Reason: "missing tid"}
	}
	if s.BID <= 0 {
		return &MalformedSnapshotError{Kind: KindMessage, Reason: "missing bid"}
	}
	return s.User.Validate()
}

// BoardPage is one page of a board's topic listing.
type BoardPage struct {
	BID      int64
	Page     int
	LastPage int
	Topics   []TopicListing
}

// TopicPage is one page of a topic's message listing. Messages appear in
// the forum's display order; callers sort by MID before reconciling.
type TopicPage struct {
	TID      int64
	Page     int
	LastPage int
	Messages []MessageSnapshot
}

// Fetcher is the external capability that authenticates against the forum
// and yields parsed page data. The engine never parses raw markup itself.
type Fetcher interface {
	// BoardIndex returns the forum's full board listing.
	BoardIndex(ctx context.Context) ([]BoardListing, error)
	// BoardPage returns one page of a board's topics. Pages count from 1.
	BoardPage(ctx context.Context, bid int64, page int) (BoardPage, error)
	// TopicPage returns one page of a topic's messages. Pages count from 1.
	TopicPage(ctx context.Context, tid int64, page int) (TopicPage, error)
	// User returns a single user profile.
	User(ctx context.Context, uid int64) (UserSnapshot, error)
	// Message returns a single message with its raw content, the way the
	// forum's quote view exposes it.
	Message(ctx context.Context, mid int64) (MessageSnapshot, error)
}
