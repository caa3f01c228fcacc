// Package forum defines the core entity types shared across subsystems.
// Every entity is keyed by the remote site's own numeric identifier;
// identifiers are never generated locally.
package forum

import "time"

// Kind discriminates the entity families stored by the archive.
type Kind string

// Entity kinds persisted by the store.
const (
	KindUser    Kind = "user"
	KindBoard   Kind = "board"
	KindTopic   Kind = "topic"
	KindMessage Kind = "message"
)

// User is an archived forum account profile. Users are never observed to be
// removable upstream, so they carry no deletion state.
type User struct {
	UID       int64  `json:"uid"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar,omitempty"`
	Group     string `json:"group,omitempty"`
	Posts     int64  `json:"posts"`
	Signature string `json:"signature,omitempty"`
	Email     string `json:"email,omitempty"`
	Blurb     string `json:"blurb,omitempty"`
	Location  string `json:"location,omitempty"`
	RealName  string `json:"real_name,omitempty"`
	Social    string `json:"social,omitempty"`
	Website   string `json:"website,omitempty"`
	Gender    string `json:"gender,omitempty"`
	// FirstScraped is set on first observation and never overwritten.
	FirstScraped time.Time `json:"first_scraped"`
	// LastScraped advances on every observation, changed or not.
	LastScraped time.Time `json:"last_scraped"`
}

// Board is a top-level forum section. Boards rarely disappear, so the archive
// treats them as append-only.
type Board struct {
	BID          int64     `json:"bid"`
	Name         string    `json:"name"`
	FirstScraped time.Time `json:"first_scraped"`
	LastScraped  time.Time `json:"last_scraped"`
}

// Topic is a discussion thread owned by exactly one board at any time,
// though the owning board may change between observations.
type Topic struct {
	TID          int64     `json:"tid"`
	Name         string    `json:"name"`
	BID          int64     `json:"bid"`
	FirstScraped time.Time `json:"first_scraped"`
	LastScraped  time.Time `json:"last_scraped"`
}

// Message is a single archived post. Deleted is a soft-delete flag: a message
// that vanishes upstream is marked, never removed, and may be resurrected if
// it reappears under the same identifier.
type Message struct {
	MID     int64     `json:"mid"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
	// Edited is present only if the remote page reported an edit; the
	// engine never invents one.
	Edited       *time.Time `json:"edited,omitempty"`
	Content      string     `json:"content"`
	UID          int64      `json:"user"`
	Icon         string     `json:"icon,omitempty"`
	TID          int64      `json:"tid"`
	FirstScraped time.Time  `json:"first_scraped"`
	LastScraped  time.Time  `json:"last_scraped"`
	Deleted      bool       `json:"deleted"`
}

// Statistic is one row of the generic crawl bookkeeping ledger. Values are
// JSON-encoded and opaque to the engine; only the planner and operational
// tooling interpret them.
type Statistic struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FetchTarget is one unit of crawl work emitted by the planner.
type FetchTarget struct {
	Kind Kind
	ID   int64
	// Page applies to board and topic targets; zero means the first page.
	Page int
	// Reason records why the planner scheduled the target (for logs).
	Reason string
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}
