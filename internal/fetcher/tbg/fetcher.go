// Package tbg implements forum.Fetcher against the TBG forum software using
// a colly collector. It authenticates once with the configured account and
// returns parsed entity snapshots; callers never see raw markup.
package tbg

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/mostpan/tbgdb/internal/forum"
)

// Config controls collector behavior and the scraper account.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
}

// Fetcher is a colly-backed forum.Fetcher.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
	jar  http.CookieJar

	loginOnce sync.Once
	loginErr  error
}

// New builds a Fetcher. The session is established lazily on first use.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fetcher.base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	c := colly.NewCollector(colly.Async(false))
	// Pacing is governed by the planner's shared budget, not per-collector
	// robots handling; the authenticated account is allowed to browse.
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.SetCookieJar(jar)
	return &Fetcher{cfg: cfg, base: c, jar: jar}, nil
}

// login posts the account credentials once per process. An unauthenticated
// session sees truncated listings, so every fetch goes through here first.
func (f *Fetcher) login(ctx context.Context) error {
	f.loginOnce.Do(func() {
		if f.cfg.Username == "" {
			return // anonymous browsing is allowed, just sees less
		}
		c := f.collector()
		var requestErr error
		c.OnError(func(r *colly.Response, err error) {
			requestErr = err
		})
		err := f.run(ctx, func() error {
			return c.Post(f.pageURL("action=login2"), map[string]string{
				"user":   f.cfg.Username,
				"passwd": f.cfg.Password,
			})
		})
		if err == nil {
			err = requestErr
		}
		if err != nil {
			f.loginErr = &forum.TransientFetchError{Target: "login", Err: err}
		}
	})
	return f.loginErr
}

// BoardIndex returns the forum's full board listing.
func (f *Fetcher) BoardIndex(ctx context.Context) ([]forum.BoardListing, error) {
	if err := f.login(ctx); err != nil {
		return nil, err
	}
	var listings []forum.BoardListing
	c := f.collector()
	c.OnHTML("div.board", func(e *colly.HTMLElement) {
		listings = append(listings, parseBoardListing(e))
	})
	if err := f.visit(ctx, c, f.pageURL(""), "board index"); err != nil {
		return nil, err
	}
	return listings, nil
}

// BoardPage returns one page of a board's topic listing. Pages count from 1.
func (f *Fetcher) BoardPage(ctx context.Context, bid int64, page int) (forum.BoardPage, error) {
	if err := f.login(ctx); err != nil {
		return forum.BoardPage{}, err
	}
	bp := forum.BoardPage{BID: bid, Page: page, LastPage: 1}
	c := f.collector()
	c.OnHTML("div#messageindex", func(e *colly.HTMLElement) {
		bp.LastPage = attrInt(e, "data-pages", 1)
	})
	c.OnHTML("div#messageindex div.topic", func(e *colly.HTMLElement) {
		bp.Topics = append(bp.Topics, parseTopicListing(e, bid))
	})
	target := f.pageURL(fmt.Sprintf("board=%d.%d", bid, (page-1)*topicsPerPage))
	if err := f.visit(ctx, c, target, fmt.Sprintf("board %d page %d", bid, page)); err != nil {
		return forum.BoardPage{}, err
	}
	return bp, nil
}

// TopicPage returns one page of a topic's messages. Pages count from 1.
func (f *Fetcher) TopicPage(ctx context.Context, tid int64, page int) (forum.TopicPage, error) {
	if err := f.login(ctx); err != nil {
		return forum.TopicPage{}, err
	}
	tp := forum.TopicPage{TID: tid, Page: page, LastPage: 1}
	var topicCtx topicContext
	c := f.collector()
	c.OnHTML("div#forumposts", func(e *colly.HTMLElement) {
		tp.LastPage = attrInt(e, "data-pages", 1)
		topicCtx = parseTopicContext(e, tid)
	})
	c.OnHTML("div#forumposts article.post", func(e *colly.HTMLElement) {
		tp.Messages = append(tp.Messages, parseMessage(e, topicCtx))
	})
	target := f.pageURL(fmt.Sprintf("topic=%d.%d", tid, (page-1)*messagesPerPage))
	if err := f.visit(ctx, c, target, fmt.Sprintf("topic %d page %d", tid, page)); err != nil {
		return forum.TopicPage{}, err
	}
	return tp, nil
}

// User returns a single user profile.
func (f *Fetcher) User(ctx context.Context, uid int64) (forum.UserSnapshot, error) {
	if err := f.login(ctx); err != nil {
		return forum.UserSnapshot{}, err
	}
	var snap forum.UserSnapshot
	var found bool
	c := f.collector()
	c.OnHTML("div#profile", func(e *colly.HTMLElement) {
		snap = parseUserProfile(e, uid)
		found = true
	})
	target := f.pageURL(fmt.Sprintf("action=profile;u=%d", uid))
	if err := f.visit(ctx, c, target, fmt.Sprintf("user %d", uid)); err != nil {
		return forum.UserSnapshot{}, err
	}
	if !found {
		return forum.UserSnapshot{}, forum.ErrNotExist
	}
	return snap, nil
}

// Message returns a single message via the forum's single-post view, the
// same view the quote action exposes, carrying the raw content.
func (f *Fetcher) Message(ctx context.Context, mid int64) (forum.MessageSnapshot, error) {
	if err := f.login(ctx); err != nil {
		return forum.MessageSnapshot{}, err
	}
	var snap forum.MessageSnapshot
	var topicCtx topicContext
	var found bool
	c := f.collector()
	c.OnHTML("div#forumposts", func(e *colly.HTMLElement) {
		topicCtx = parseTopicContext(e, 0)
	})
	c.OnHTML("div#forumposts article.post", func(e *colly.HTMLElement) {
		m := parseMessage(e, topicCtx)
		if m.MID == mid {
			snap = m
			found = true
		}
	})
	target := f.pageURL(fmt.Sprintf("msg=%d", mid))
	if err := f.visit(ctx, c, target, fmt.Sprintf("message %d", mid)); err != nil {
		return forum.MessageSnapshot{}, err
	}
	if !found {
		return forum.MessageSnapshot{}, forum.ErrNotExist
	}
	return snap, nil
}

const (
	topicsPerPage   = 25
	messagesPerPage = 25
)

func (f *Fetcher) collector() *colly.Collector {
	c := f.base.Clone()
	c.SetCookieJar(f.jar)
	return c
}

func (f *Fetcher) pageURL(query string) string {
	base := strings.TrimRight(f.cfg.BaseURL, "/") + "/index.php"
	if query == "" {
		return base
	}
	return base + "?" + query
}

// visit runs one page load, mapping failures into the engine's error
// taxonomy: 404 means the entity does not exist, everything else on the
// network path is transient.
func (f *Fetcher) visit(ctx context.Context, c *colly.Collector, target, what string) error {
	var status int
	var requestErr error
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		requestErr = err
	})
	err := f.run(ctx, func() error { return c.Visit(target) })
	if err == nil {
		err = requestErr
	}
	if err == nil {
		return nil
	}
	if status == http.StatusNotFound || status == http.StatusGone {
		return forum.ErrNotExist
	}
	return &forum.TransientFetchError{Target: what, Err: err}
}

// run executes fn on its own goroutine so a hung collector cannot outlive
// the context.
func (f *Fetcher) run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
