package tbg

import (
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/mostpan/tbgdb/internal/forum"
)

// topicContext is the denormalized board/topic identity carried by every
// post on a topic page.
type topicContext struct {
	TID       int64
	TopicName string
	BID       int64
	BoardName string
}

func parseBoardListing(e *colly.HTMLElement) forum.BoardListing {
	return forum.BoardListing{
		BID:          attrInt64(e, "data-bid"),
		Name:         strings.TrimSpace(e.ChildText("a.name")),
		LastActivity: childTime(e, "time.last-activity"),
	}
}

func parseTopicListing(e *colly.HTMLElement, bid int64) forum.TopicListing {
	return forum.TopicListing{
		TID:          attrInt64(e, "data-tid"),
		Name:         strings.TrimSpace(e.ChildText("a.subject")),
		BID:          bid,
		LastActivity: childTime(e, "time.lastpost"),
	}
}

func parseTopicContext(e *colly.HTMLElement, tid int64) topicContext {
	ctx := topicContext{
		TID:       attrInt64(e, "data-tid"),
		TopicName: strings.TrimSpace(e.Attr("data-topic-name")),
		BID:       attrInt64(e, "data-bid"),
		BoardName: strings.TrimSpace(e.Attr("data-board-name")),
	}
	if ctx.TID == 0 {
		ctx.TID = tid
	}
	return ctx
}

func parseMessage(e *colly.HTMLElement, tc topicContext) forum.MessageSnapshot {
	snap := forum.MessageSnapshot{
		MID:       attrInt64(e, "data-mid"),
		Subject:   strings.TrimSpace(e.ChildText("h5.subject")),
		Date:      childTime(e, "time.posted"),
		Content:   strings.TrimSpace(e.ChildText("div.inner")),
		Icon:      strings.TrimSpace(e.ChildAttr("span.messageicon", "data-icon")),
		TID:       tc.TID,
		TopicName: tc.TopicName,
		BID:       tc.BID,
		BoardName: tc.BoardName,
		User: forum.UserSnapshot{
			UID:  attrInt64(e, "data-uid"),
			Name: strings.TrimSpace(e.ChildText("a.author")),
		},
	}
	if edited := childTime(e, "time.edited"); !edited.IsZero() {
		snap.Edited = &edited
	}
	return snap
}

func parseUserProfile(e *colly.HTMLElement, uid int64) forum.UserSnapshot {
	snap := forum.UserSnapshot{
		UID:       attrInt64(e, "data-uid"),
		Name:      strings.TrimSpace(e.ChildText("span.name")),
		Avatar:    strings.TrimSpace(e.ChildAttr("img.avatar", "src")),
		Group:     strings.TrimSpace(e.ChildText("dd.group")),
		Signature: strings.TrimSpace(e.ChildText("div.signature")),
		Email:     strings.TrimSpace(e.ChildText("dd.email")),
		Blurb:     strings.TrimSpace(e.ChildText("dd.blurb")),
		Location:  strings.TrimSpace(e.ChildText("dd.location")),
		RealName:  strings.TrimSpace(e.ChildText("dd.realname")),
		Social:    strings.TrimSpace(e.ChildText("dd.social")),
		Website:   strings.TrimSpace(e.ChildAttr("a.website", "href")),
		Gender:    strings.TrimSpace(e.ChildText("dd.gender")),
	}
	if snap.UID == 0 {
		snap.UID = uid
	}
	if posts, err := strconv.ParseInt(strings.TrimSpace(e.ChildText("dd.posts")), 10, 64); err == nil {
		snap.Posts = posts
	}
	return snap
}

func attrInt64(e *colly.HTMLElement, name string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(e.Attr(name)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func attrInt(e *colly.HTMLElement, name string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(e.Attr(name)))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

// childTime parses the datetime attribute of the first matching child.
// The forum emits RFC 3339 stamps there.
func childTime(e *colly.HTMLElement, selector string) time.Time {
	raw := strings.TrimSpace(e.ChildAttr(selector, "datetime"))
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
